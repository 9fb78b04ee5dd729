package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse lifecycle state of a run.
type Status string

const (
	StatusRunning       Status = "running"
	StatusAwaitingTools Status = "awaiting_tools"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// transitions lists the allowed status edges. Terminal statuses have none.
var transitions = map[Status][]Status{
	StatusRunning:       {StatusAwaitingTools, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingTools: {StatusRunning, StatusFailed, StatusCancelled},
	StatusCompleted:     {},
	StatusFailed:        {},
	StatusCancelled:     {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the run can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ToolCall identifies one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry of the append-only conversation log. The engine
// only appends and serializes messages; their content is opaque to it.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// State is the mutable record of one run's progress. It is owned by a
// single engine goroutine; callers only ever see snapshots.
type State struct {
	RunID            string            `json:"run_id"`
	RequestID        string            `json:"request_id"`
	Status           Status            `json:"status"`
	Iteration        int               `json:"iteration"`
	CurrentLLMCallID string            `json:"current_llm_call_id,omitempty"`
	Conversation     []Message         `json:"conversation"`
	PendingToolCalls []PendingToolCall `json:"pending_tool_calls,omitempty"`
	Usage            map[string]int64  `json:"usage,omitempty"`
	Result           string            `json:"result,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	ErrorReason      string            `json:"error_reason,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Seq              int64             `json:"seq"`
}

// StateOptions tunes creation of a fresh run state.
type StateOptions struct {
	// RequestID is the caller-supplied correlation id. Generated when empty.
	RequestID string
}

// NewState creates the state for a fresh run: status running, iteration 1,
// a conversation seeded with the system prompt and the user query.
func NewState(query, systemPrompt string, opts StateOptions) *State {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	conversation := []Message{}
	if systemPrompt != "" {
		conversation = append(conversation, Message{Role: "system", Content: systemPrompt})
	}
	conversation = append(conversation, Message{Role: "user", Content: query})

	now := time.Now().UTC()
	return &State{
		RunID:        uuid.NewString(),
		RequestID:    requestID,
		Status:       StatusRunning,
		Iteration:    1,
		Conversation: conversation,
		Usage:        map[string]int64{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// BumpSeq atomically advances the event counter and returns the new value.
// Only the owning engine goroutine may call it.
func (s *State) BumpSeq() int64 {
	s.Seq++
	return s.Seq
}

// PutStatus moves the run to target, rejecting any edge outside the
// transition table. Terminal statuses reject everything.
func (s *State) PutStatus(target Status) error {
	if !target.Valid() {
		return fmt.Errorf("unknown status %q", target)
	}
	for _, allowed := range transitions[s.Status] {
		if allowed == target {
			s.Status = target
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("illegal status transition %s -> %s", s.Status, target)
}

// Append adds a message to the conversation log.
func (s *State) Append(msg Message) {
	s.Conversation = append(s.Conversation, msg)
	s.UpdatedAt = time.Now().UTC()
}

// MergeUsage sums numeric counters from delta into the run's usage map.
// Non-numeric values are ignored.
func (s *State) MergeUsage(delta map[string]any) {
	if s.Usage == nil {
		s.Usage = map[string]int64{}
	}
	for key, value := range delta {
		switch v := value.(type) {
		case int:
			s.Usage[key] += int64(v)
		case int64:
			s.Usage[key] += v
		case float64:
			s.Usage[key] += int64(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				s.Usage[key] += n
			}
		}
	}
}

// SnapshotMap renders the minimal state snapshot embedded in checkpoint
// tokens. Only fields needed to resume the run are included.
func (s *State) SnapshotMap() map[string]any {
	snap := map[string]any{
		"run_id":       s.RunID,
		"request_id":   s.RequestID,
		"status":       string(s.Status),
		"iteration":    s.Iteration,
		"conversation": s.Conversation,
		"seq":          s.Seq,
		"started_at":   s.StartedAt.UnixMilli(),
	}
	if len(s.PendingToolCalls) > 0 {
		snap["pending_tool_calls"] = s.PendingToolCalls
	}
	if len(s.Usage) > 0 {
		snap["usage"] = s.Usage
	}
	if s.Result != "" {
		snap["result"] = s.Result
	}
	if s.ErrorKind != "" {
		snap["error_kind"] = s.ErrorKind
		snap["error_reason"] = s.ErrorReason
	}
	return snap
}

// InvalidCheckpointError reports a checkpoint snapshot that cannot be
// turned back into a run state.
type InvalidCheckpointError struct {
	Field  string
	Reason string
}

func (e *InvalidCheckpointError) Error() string {
	return fmt.Sprintf("invalid checkpoint: field %q %s", e.Field, e.Reason)
}

// FromSnapshotMap rebuilds a run state from a token snapshot. Snapshots may
// originate from older or foreign callers, so every required field is
// checked before use.
func FromSnapshotMap(snap map[string]any) (*State, error) {
	runID, ok := snap["run_id"].(string)
	if !ok || runID == "" {
		return nil, &InvalidCheckpointError{Field: "run_id", Reason: "missing or not a string"}
	}
	requestID, ok := snap["request_id"].(string)
	if !ok || requestID == "" {
		return nil, &InvalidCheckpointError{Field: "request_id", Reason: "missing or not a string"}
	}
	rawStatus, ok := snap["status"].(string)
	if !ok {
		return nil, &InvalidCheckpointError{Field: "status", Reason: "missing or not a string"}
	}
	status := Status(rawStatus)
	if !status.Valid() {
		return nil, &InvalidCheckpointError{Field: "status", Reason: fmt.Sprintf("unknown value %q", rawStatus)}
	}

	rawConversation, ok := snap["conversation"]
	if !ok {
		return nil, &InvalidCheckpointError{Field: "conversation", Reason: "missing"}
	}
	conversation, err := decodeMessages(rawConversation)
	if err != nil {
		return nil, err
	}

	st := &State{
		RunID:        runID,
		RequestID:    requestID,
		Status:       status,
		Iteration:    1,
		Conversation: conversation,
		Usage:        map[string]int64{},
		StartedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	if iter, ok := asInt64(snap["iteration"]); ok && iter >= 1 {
		st.Iteration = int(iter)
	}
	if seq, ok := asInt64(snap["seq"]); ok && seq >= 0 {
		st.Seq = seq
	}
	if startedMS, ok := asInt64(snap["started_at"]); ok && startedMS > 0 {
		st.StartedAt = time.UnixMilli(startedMS).UTC()
	}
	if usage, ok := snap["usage"].(map[string]any); ok {
		st.MergeUsage(usage)
	}
	if result, ok := snap["result"].(string); ok {
		st.Result = result
	}
	if kind, ok := snap["error_kind"].(string); ok {
		st.ErrorKind = kind
	}
	if reason, ok := snap["error_reason"].(string); ok {
		st.ErrorReason = reason
	}
	if rawPending, ok := snap["pending_tool_calls"]; ok {
		pending, err := decodePendingCalls(rawPending)
		if err != nil {
			return nil, err
		}
		st.PendingToolCalls = pending
	}

	if (status == StatusAwaitingTools) != (len(st.PendingToolCalls) > 0) {
		return nil, &InvalidCheckpointError{Field: "pending_tool_calls", Reason: "inconsistent with status"}
	}
	return st, nil
}

// decodeMessages accepts either the native slice or the generic shape JSON
// produces after a round trip.
func decodeMessages(raw any) ([]Message, error) {
	switch v := raw.(type) {
	case []Message:
		return append([]Message(nil), v...), nil
	case []any:
		messages := make([]Message, 0, len(v))
		for i, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, &InvalidCheckpointError{Field: "conversation", Reason: fmt.Sprintf("entry %d is not an object", i)}
			}
			role, _ := m["role"].(string)
			if role == "" {
				return nil, &InvalidCheckpointError{Field: "conversation", Reason: fmt.Sprintf("entry %d has no role", i)}
			}
			msg := Message{Role: role}
			msg.Content, _ = m["content"].(string)
			msg.Thinking, _ = m["thinking"].(string)
			msg.ToolCallID, _ = m["tool_call_id"].(string)
			if rawCalls, ok := m["tool_calls"].([]any); ok {
				for _, rc := range rawCalls {
					cm, ok := rc.(map[string]any)
					if !ok {
						continue
					}
					call := ToolCall{}
					call.ID, _ = cm["id"].(string)
					call.Name, _ = cm["name"].(string)
					call.Arguments, _ = cm["arguments"].(map[string]any)
					msg.ToolCalls = append(msg.ToolCalls, call)
				}
			}
			messages = append(messages, msg)
		}
		return messages, nil
	default:
		return nil, &InvalidCheckpointError{Field: "conversation", Reason: "not a list"}
	}
}

func decodePendingCalls(raw any) ([]PendingToolCall, error) {
	switch v := raw.(type) {
	case []PendingToolCall:
		return append([]PendingToolCall(nil), v...), nil
	case []any:
		calls := make([]PendingToolCall, 0, len(v))
		for i, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, &InvalidCheckpointError{Field: "pending_tool_calls", Reason: fmt.Sprintf("entry %d is not an object", i)}
			}
			call := PendingToolCall{}
			call.ID, _ = m["id"].(string)
			call.Name, _ = m["name"].(string)
			if call.ID == "" || call.Name == "" {
				return nil, &InvalidCheckpointError{Field: "pending_tool_calls", Reason: fmt.Sprintf("entry %d lacks id or name", i)}
			}
			call.Arguments, _ = m["arguments"].(map[string]any)
			call.Status = ToolCallPending
			calls = append(calls, call)
		}
		return calls, nil
	default:
		return nil, &InvalidCheckpointError{Field: "pending_tool_calls", Reason: "not a list"}
	}
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
