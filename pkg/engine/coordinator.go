package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/kestrel/pkg/checkpoint"
	"github.com/kestrelworks/kestrel/pkg/provider"
	"github.com/kestrelworks/kestrel/pkg/run"
)

// ErrRunFinished is returned by Resume for tokens of already-terminal runs.
var ErrRunFinished = errors.New("engine: run already reached a terminal status")

// errCancelled unwinds the loop once when a cancel signal is observed at a
// safe point.
var errCancelled = errors.New("engine: run cancelled")

// loopError tags a loop failure with the taxonomy kind reported to callers.
type loopError struct {
	kind string
	err  error
}

func (e *loopError) Error() string { return e.kind + ": " + e.err.Error() }
func (e *loopError) Unwrap() error { return e.err }

// Coordinator opens and resumes runs against one fixed configuration.
type Coordinator struct {
	cfg Config
}

// New validates cfg, applies defaults, and derives the configuration
// fingerprint that binds this coordinator's checkpoint tokens.
func New(cfg Config) (*Coordinator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// RunOptions tunes a single Open or Resume call.
type RunOptions struct {
	// RequestID is the caller's correlation id. Generated when empty and
	// ignored on Resume, where the token's request id wins.
	RequestID string
}

// Handle is the caller's view of one in-flight run.
type Handle struct {
	runID     string
	requestID string
	events    chan run.Event

	cancelOnce sync.Once
	cancelled  chan struct{}
	reasonMu   sync.Mutex
	reason     string
}

// Events returns the run's ordered event stream. It is closed exactly once,
// after the terminal checkpoint event.
func (h *Handle) Events() <-chan run.Event { return h.events }

// RunID returns the run identifier.
func (h *Handle) RunID() string { return h.runID }

// RequestID returns the caller correlation id.
func (h *Handle) RequestID() string { return h.requestID }

// Cancel requests cooperative cancellation. The signal is observed at the
// run's safe points; cancelling an already-terminal run has no effect.
func (h *Handle) Cancel(reason string) {
	h.cancelOnce.Do(func() {
		h.reasonMu.Lock()
		h.reason = reason
		h.reasonMu.Unlock()
		close(h.cancelled)
	})
}

func (h *Handle) cancelReason() string {
	h.reasonMu.Lock()
	defer h.reasonMu.Unlock()
	return h.reason
}

// Open starts a fresh run for query and returns its handle. The run
// executes on its own goroutine; ctx governs its whole lifetime, and
// cancelling ctx forcibly terminates all background work.
func (c *Coordinator) Open(ctx context.Context, query string, opts RunOptions) (*Handle, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	st := run.NewState(query, c.cfg.SystemPrompt, run.StateOptions{RequestID: opts.RequestID})
	return c.start(ctx, st, false), nil
}

// Resume restarts a checkpointed run from its token. Token validation
// errors are returned synchronously; a token is never partially trusted.
func (c *Coordinator) Resume(ctx context.Context, token string, opts RunOptions) (*Handle, error) {
	d, err := checkpoint.Decode(token, c.cfg.Signing)
	if err != nil {
		return nil, err
	}
	if d.State.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, d.State.Status)
	}
	return c.start(ctx, d.State, true), nil
}

func (c *Coordinator) start(ctx context.Context, st *run.State, resumed bool) *Handle {
	h := &Handle{
		runID:     st.RunID,
		requestID: st.RequestID,
		events:    make(chan run.Event, c.cfg.EventBuffer),
		cancelled: make(chan struct{}),
	}
	r := &runner{
		cfg:     c.cfg,
		logger:  c.cfg.Logger.With().Str("run_id", st.RunID).Str("request_id", st.RequestID).Logger(),
		st:      st,
		h:       h,
		ctx:     ctx,
		resumed: resumed,
	}
	go r.run()
	return h
}

// runner executes one run on its own goroutine.
type runner struct {
	cfg     Config
	logger  zerolog.Logger
	st      *run.State
	h       *Handle
	ctx     context.Context
	resumed bool
}

// run is the single top boundary: every exit path produces exactly one
// terminal checkpoint and one channel close, except abandonment, where the
// consumer is gone and only the close remains.
func (r *runner) run() {
	defer close(r.h.events)

	err := r.guardedLoop()
	switch {
	case err == nil:
		// The loop finalized the run itself.
	case r.ctx.Err() != nil:
		r.logger.Warn().AnErr("cause", r.ctx.Err()).Msg("Run abandoned by caller")
	case errors.Is(err, errCancelled):
		r.finishCancelled()
	default:
		r.finishFailed(err)
	}
}

func (r *runner) guardedLoop() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &loopError{kind: "panic", err: fmt.Errorf("%v", p)}
		}
	}()
	return r.loop()
}

func (r *runner) loop() error {
	ev := run.NewEvent(run.KindRequestStarted, r.st)
	if r.resumed {
		ev.Data = map[string]any{"resumed": true}
	}
	if err := r.emit(ev); err != nil {
		return err
	}

	// A resumed run may land directly in a pending tool round.
	if r.st.Status == run.StatusAwaitingTools {
		if err := r.toolRound(); err != nil {
			return err
		}
	}

	for {
		turn, err := r.llmStep()
		if err != nil {
			return err
		}

		if len(turn.ToolCalls) == 0 {
			return r.finishCompleted(turn.Content)
		}
		if r.st.Iteration >= r.cfg.MaxIterations {
			r.logger.Info().Int("iteration", r.st.Iteration).Msg("Maximum iterations reached")
			return r.finishCompleted("maximum iterations reached")
		}

		pending := make([]run.PendingToolCall, 0, len(turn.ToolCalls))
		for _, tc := range turn.ToolCalls {
			pending = append(pending, run.PendingToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Status:    run.ToolCallPending,
			})
		}
		r.st.PendingToolCalls = pending
		if err := r.st.PutStatus(run.StatusAwaitingTools); err != nil {
			return err
		}
		if err := r.checkpoint("after_llm"); err != nil {
			return err
		}

		if err := r.toolRound(); err != nil {
			return err
		}
	}
}

// llmStep performs one completion call: emit llm_started, consume the
// stream (forwarding deltas when capture is on), merge usage, append the
// assistant turn, emit llm_completed.
func (r *runner) llmStep() (provider.Turn, error) {
	if err := r.safepoint(); err != nil {
		return provider.Turn{}, err
	}

	callID, err := gonanoid.New()
	if err != nil {
		return provider.Turn{}, &loopError{kind: "internal", err: err}
	}
	r.st.CurrentLLMCallID = callID

	ev := run.NewEvent(run.KindLLMStarted, r.st)
	ev.LLMCallID = callID
	if err := r.emit(ev); err != nil {
		return provider.Turn{}, err
	}

	req := provider.Request{
		Model:       r.cfg.Model,
		System:      r.systemPrompt(),
		Messages:    r.st.Conversation,
		Tools:       r.cfg.Registry.Definitions(),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	stream, err := r.cfg.Provider.Generate(r.ctx, req)
	if err != nil {
		return provider.Turn{}, &loopError{kind: "completion_request", err: err}
	}

	for {
		if err := r.safepoint(); err != nil {
			return provider.Turn{}, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return provider.Turn{}, &loopError{kind: "completion_stream", err: err}
		}
		if !r.cfg.CaptureDeltas {
			continue
		}
		delta := run.NewEvent(run.KindLLMDelta, r.st)
		delta.LLMCallID = callID
		switch chunk.Kind {
		case provider.ChunkToolCall:
			if chunk.ToolCall != nil {
				delta.ToolCallID = chunk.ToolCall.ID
				delta.ToolName = chunk.ToolCall.Name
			}
			delta.Data = map[string]any{"type": string(chunk.Kind)}
		default:
			delta.Data = map[string]any{"type": string(chunk.Kind), "text": chunk.Text}
		}
		if err := r.emit(delta); err != nil {
			return provider.Turn{}, err
		}
	}

	turn, err := stream.Final()
	if err != nil {
		return provider.Turn{}, &loopError{kind: "completion_stream", err: err}
	}

	r.st.MergeUsage(turn.Usage)
	r.st.Append(run.Message{
		Role:      "assistant",
		Content:   turn.Content,
		Thinking:  turn.Thinking,
		ToolCalls: turn.ToolCalls,
	})
	r.st.CurrentLLMCallID = ""

	done := run.NewEvent(run.KindLLMCompleted, r.st)
	done.LLMCallID = callID
	done.Data = map[string]any{
		"content":    turn.Content,
		"tool_calls": len(turn.ToolCalls),
		"usage":      turn.Usage,
	}
	if err := r.emit(done); err != nil {
		return provider.Turn{}, err
	}
	return turn, nil
}

func (r *runner) systemPrompt() string {
	for _, msg := range r.st.Conversation {
		if msg.Role == "system" {
			return msg.Content
		}
	}
	return r.cfg.SystemPrompt
}

func (r *runner) finishCompleted(result string) error {
	r.st.Result = result
	if err := r.st.PutStatus(run.StatusCompleted); err != nil {
		return err
	}
	return r.checkpoint("terminal")
}

func (r *runner) finishCancelled() {
	reason := r.h.cancelReason()
	if reason == "" {
		reason = "cancelled by caller"
	}
	r.st.PendingToolCalls = nil
	r.st.CurrentLLMCallID = ""
	if err := r.st.PutStatus(run.StatusCancelled); err != nil {
		r.logger.Error().Err(err).Msg("Cancel after terminal status ignored")
		return
	}
	r.st.Result = "run cancelled: " + reason
	r.logger.Info().Str("reason", reason).Msg("Run cancelled")

	ev := run.NewEvent(run.KindRequestCancelled, r.st)
	ev.Data = map[string]any{"reason": reason}
	if err := r.emit(ev); err != nil {
		return
	}
	_ = r.checkpoint("terminal")
}

func (r *runner) finishFailed(cause error) {
	kind := "internal"
	var le *loopError
	if errors.As(cause, &le) {
		kind = le.kind
	}
	r.st.PendingToolCalls = nil
	r.st.CurrentLLMCallID = ""
	r.st.ErrorKind = kind
	r.st.ErrorReason = cause.Error()
	if err := r.st.PutStatus(run.StatusFailed); err != nil {
		r.logger.Error().Err(err).Msg("Failure after terminal status ignored")
		return
	}
	r.logger.Error().Str("kind", kind).Err(cause).Msg("Run failed")

	ev := run.NewEvent(run.KindRequestFailed, r.st)
	ev.Data = map[string]any{"kind": kind, "reason": cause.Error()}
	if err := r.emit(ev); err != nil {
		return
	}
	_ = r.checkpoint("terminal")
}

// safepoint observes cancel signals. It is called before each completion
// call, between stream chunks, and at tool-round entry.
func (r *runner) safepoint() error {
	select {
	case <-r.h.cancelled:
		return errCancelled
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
		return nil
	}
}

// emit delivers one event, blocking for backpressure. An abandoning caller
// cancels ctx, which unblocks every pending emit.
func (r *runner) emit(ev run.Event) error {
	select {
	case r.h.events <- ev:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// checkpoint emits an ordered checkpoint event whose token covers the
// event's own sequence number, so a resumed run continues seq contiguously.
func (r *runner) checkpoint(reason string) error {
	ev := run.NewEvent(run.KindCheckpoint, r.st)
	token := checkpoint.Issue(r.st, r.cfg.Signing)
	ev.Data = map[string]any{"reason": reason, "token": token}
	return r.emit(ev)
}
