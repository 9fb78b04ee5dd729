package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelworks/kestrel/pkg/run"
	"github.com/kestrelworks/kestrel/pkg/tools"
)

type toolOutcome struct {
	index    int
	value    any
	err      error
	attempts int
	duration time.Duration
}

// toolRound executes all pending calls concurrently, bounded by the pool or
// MaxConcurrency. Exactly one tool_completed event is emitted per call,
// whatever the attempt count, and only after every call has one does the
// round finish: conversation append, iteration advance, after_tools
// checkpoint.
func (r *runner) toolRound() error {
	if err := r.safepoint(); err != nil {
		return err
	}

	calls := r.st.PendingToolCalls
	for i := range calls {
		ev := run.NewEvent(run.KindToolStarted, r.st)
		ev.ToolCallID = calls[i].ID
		ev.ToolName = calls[i].Name
		if err := r.emit(ev); err != nil {
			return err
		}
	}

	gate := r.cfg.Pool
	if gate == nil {
		gate = NewPool(r.cfg.MaxConcurrency)
	}

	// Buffered to the round size so workers never block on a consumer that
	// bailed out early.
	results := make(chan toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int, call run.PendingToolCall) {
			defer wg.Done()
			if err := gate.Acquire(r.ctx); err != nil {
				results <- toolOutcome{index: idx, err: err, attempts: 0}
				return
			}
			defer gate.Release()
			results <- r.executeWithRetry(idx, call)
		}(i, calls[i])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for out := range results {
		call := &r.st.PendingToolCalls[out.index]
		var resultText, errText string
		if out.err != nil {
			errText = out.err.Error()
		} else {
			resultText = formatToolResult(out.value)
		}
		call.Complete(resultText, errText, out.attempts, out.duration)

		ev := run.NewEvent(run.KindToolCompleted, r.st)
		ev.ToolCallID = call.ID
		ev.ToolName = call.Name
		data := map[string]any{
			"attempts":    out.attempts,
			"duration_ms": out.duration.Milliseconds(),
		}
		if errText != "" {
			data["error"] = errText
		} else {
			data["result"] = resultText
		}
		ev.Data = data
		if err := r.emit(ev); err != nil {
			return err
		}
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	// Results enter the conversation in request order, not completion order.
	for _, call := range r.st.PendingToolCalls {
		content := call.Result
		if call.Error != "" {
			content = "error: " + call.Error
		}
		r.st.Append(run.Message{Role: "tool", Content: content, ToolCallID: call.ID})
	}

	r.st.PendingToolCalls = nil
	if err := r.st.PutStatus(run.StatusRunning); err != nil {
		return err
	}
	r.st.Iteration++
	return r.checkpoint("after_tools")
}

// executeWithRetry runs one call to completion: per-attempt timeout, fixed
// backoff between attempts, retry only for retryable failure kinds.
func (r *runner) executeWithRetry(idx int, call run.PendingToolCall) toolOutcome {
	start := time.Now()
	out := toolOutcome{index: idx}

	for {
		out.attempts++
		attemptCtx, cancel := context.WithTimeout(r.ctx, r.cfg.ToolTimeout)
		value, err := r.cfg.Registry.Execute(attemptCtx, call.Name, call.Arguments)
		cancel()

		if err == nil {
			out.value = value
			out.err = nil
			break
		}
		out.err = err
		if !tools.Retryable(err) || out.attempts > r.cfg.MaxRetries {
			break
		}

		r.logger.Warn().
			Str("tool", call.Name).
			Str("tool_call_id", call.ID).
			Int("attempt", out.attempts).
			Err(err).
			Msg("Tool attempt failed, retrying")

		select {
		case <-time.After(r.cfg.RetryBackoff):
		case <-r.ctx.Done():
			out.err = r.ctx.Err()
			out.duration = time.Since(start)
			return out
		}
	}

	out.duration = time.Since(start)
	return out
}

func formatToolResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
