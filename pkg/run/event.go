package run

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind classifies one observable step of a run. The set is closed.
type Kind string

const (
	KindRequestStarted Kind = "request_started"
	KindLLMStarted     Kind = "llm_started"
	KindLLMDelta       Kind = "llm_delta"
	KindLLMCompleted   Kind = "llm_completed"
	KindToolStarted    Kind = "tool_started"
	KindToolCompleted  Kind = "tool_completed"
	KindCheckpoint     Kind = "checkpoint"
	// KindRequestCompleted is reserved for log consumers that materialize a
	// success marker; the engine's success path ends with the terminal
	// checkpoint instead.
	KindRequestCompleted Kind = "request_completed"
	KindRequestFailed    Kind = "request_failed"
	KindRequestCancelled Kind = "request_cancelled"
)

var kinds = map[Kind]struct{}{
	KindRequestStarted:   {},
	KindLLMStarted:       {},
	KindLLMDelta:         {},
	KindLLMCompleted:     {},
	KindToolStarted:      {},
	KindToolCompleted:    {},
	KindCheckpoint:       {},
	KindRequestCompleted: {},
	KindRequestFailed:    {},
	KindRequestCancelled: {},
}

// Valid reports whether k belongs to the closed event kind set.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Event is one immutable, ordered entry of a run's event log. Seq is
// assigned from the owning state's counter at emission time.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	At         time.Time      `json:"at"`
	RunID      string         `json:"run_id"`
	RequestID  string         `json:"request_id"`
	Iteration  int            `json:"iteration"`
	Kind       Kind           `json:"kind"`
	LLMCallID  string         `json:"llm_call_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent builds the next event for st, consuming one sequence number.
// An unknown kind is a programmer error and panics immediately rather
// than producing a log entry outside the closed enum.
func NewEvent(kind Kind, st *State) Event {
	if !kind.Valid() {
		panic(fmt.Sprintf("run: unknown event kind %q", kind))
	}
	id, err := gonanoid.New()
	if err != nil {
		// gonanoid only fails when the OS entropy source does.
		panic(fmt.Sprintf("run: event id generation failed: %v", err))
	}
	return Event{
		ID:        id,
		Seq:       st.BumpSeq(),
		At:        time.Now().UTC(),
		RunID:     st.RunID,
		RequestID: st.RequestID,
		Iteration: st.Iteration,
		Kind:      kind,
	}
}
