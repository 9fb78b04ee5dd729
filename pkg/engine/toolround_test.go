package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/kestrel/pkg/provider"
	"github.com/kestrelworks/kestrel/pkg/run"
	"github.com/kestrelworks/kestrel/pkg/tools"
)

func toolCompletedEvents(events []run.Event) []run.Event {
	out := []run.Event{}
	for _, ev := range events {
		if ev.Kind == run.KindToolCompleted {
			out = append(out, ev)
		}
	}
	return out
}

func TestToolRetry(t *testing.T) {
	t.Run("retryable failure succeeds on attempt k+1", func(t *testing.T) {
		var invocations atomic.Int32
		reg := tools.NewRegistry(zerolog.Nop())
		require.NoError(t, reg.Register(tools.Definition{
			Name:        "flaky",
			Description: "fails twice then succeeds",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if invocations.Add(1) <= 2 {
					return nil, fmt.Errorf("transient backend error")
				}
				return "ok", nil
			},
		}))

		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(run.ToolCall{ID: "tc1", Name: "flaky", Arguments: map[string]any{}})},
			&scriptedStream{turn: textTurn("done")},
		}}
		cfg := testConfig(fp, reg)
		cfg.MaxRetries = 3
		coord, err := New(cfg)
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		events := collect(t, h)

		completed := toolCompletedEvents(events)
		require.Len(t, completed, 1)
		assert.EqualValues(t, 3, completed[0].Data["attempts"])
		assert.Equal(t, "ok", completed[0].Data["result"])
		assert.EqualValues(t, 3, invocations.Load())
	})

	t.Run("non-retryable failure never retries", func(t *testing.T) {
		var invocations atomic.Int32
		reg := tools.NewRegistry(zerolog.Nop())
		require.NoError(t, reg.Register(tools.Definition{
			Name:        "strict",
			Description: "requires a name argument",
			Parameters: []tools.Parameter{
				{Name: "name", Type: "string", Description: "required", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				invocations.Add(1)
				return "unreachable", nil
			},
		}))

		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(run.ToolCall{ID: "tc1", Name: "strict", Arguments: map[string]any{}})},
			&scriptedStream{turn: textTurn("done")},
		}}
		cfg := testConfig(fp, reg)
		cfg.MaxRetries = 5
		coord, err := New(cfg)
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		events := collect(t, h)

		completed := toolCompletedEvents(events)
		require.Len(t, completed, 1)
		assert.EqualValues(t, 1, completed[0].Data["attempts"])
		assert.Contains(t, completed[0].Data["error"], "strict")
		assert.EqualValues(t, 0, invocations.Load(), "handler must not run on validation failure")
	})

	t.Run("exhausted retries report the last error and the run continues", func(t *testing.T) {
		reg := tools.NewRegistry(zerolog.Nop())
		require.NoError(t, reg.Register(tools.Definition{
			Name:        "broken",
			Description: "always fails",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, fmt.Errorf("still down")
			},
		}))

		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(run.ToolCall{ID: "tc1", Name: "broken", Arguments: map[string]any{}})},
			&scriptedStream{turn: textTurn("gave up gracefully")},
		}}
		cfg := testConfig(fp, reg)
		cfg.MaxRetries = 1
		coord, err := New(cfg)
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		events := collect(t, h)

		completed := toolCompletedEvents(events)
		require.Len(t, completed, 1)
		assert.EqualValues(t, 2, completed[0].Data["attempts"])
		assert.Contains(t, completed[0].Data["error"], "still down")

		st := decodeTerminal(t, coord, events)
		assert.Equal(t, run.StatusCompleted, st.Status, "tool failure is reported to the model, not fatal")
		assert.Equal(t, "gave up gracefully", st.Result)
	})
}

func TestToolConcurrency(t *testing.T) {
	probeRegistry := func(t *testing.T, inflight, peak *atomic.Int32) *tools.Registry {
		t.Helper()
		reg := tools.NewRegistry(zerolog.Nop())
		require.NoError(t, reg.Register(tools.Definition{
			Name:        "probe",
			Description: "records concurrent execution",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				now := inflight.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inflight.Add(-1)
				return "done", nil
			},
		}))
		return reg
	}

	probeCalls := func(n int) []run.ToolCall {
		calls := make([]run.ToolCall, n)
		for i := range calls {
			calls[i] = run.ToolCall{ID: fmt.Sprintf("tc%d", i), Name: "probe", Arguments: map[string]any{}}
		}
		return calls
	}

	t.Run("round concurrency stays within MaxConcurrency", func(t *testing.T) {
		var inflight, peak atomic.Int32
		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(probeCalls(6)...)},
			&scriptedStream{turn: textTurn("done")},
		}}
		cfg := testConfig(fp, probeRegistry(t, &inflight, &peak))
		cfg.MaxConcurrency = 2
		coord, err := New(cfg)
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		events := collect(t, h)

		assert.LessOrEqual(t, peak.Load(), int32(2))
		assert.Len(t, toolCompletedEvents(events), 6)
	})

	t.Run("a shared pool throttles below MaxConcurrency", func(t *testing.T) {
		var inflight, peak atomic.Int32
		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(probeCalls(4)...)},
			&scriptedStream{turn: textTurn("done")},
		}}
		cfg := testConfig(fp, probeRegistry(t, &inflight, &peak))
		cfg.MaxConcurrency = 8
		cfg.Pool = NewPool(1)
		coord, err := New(cfg)
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		collect(t, h)

		assert.EqualValues(t, 1, peak.Load())
	})

	t.Run("a shared pool throttles across coordinators", func(t *testing.T) {
		var inflight, peak atomic.Int32
		reg := probeRegistry(t, &inflight, &peak)
		pool := NewPool(1)

		open := func() *Handle {
			fp := &fakeProvider{streams: []provider.Stream{
				&scriptedStream{turn: toolCallTurn(probeCalls(3)...)},
				&scriptedStream{turn: textTurn("done")},
			}}
			cfg := testConfig(fp, reg)
			cfg.MaxConcurrency = 8
			cfg.Pool = pool
			coord, err := New(cfg)
			require.NoError(t, err)
			h, err := coord.Open(context.Background(), "go", RunOptions{})
			require.NoError(t, err)
			return h
		}

		a := open()
		b := open()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range a.Events() {
			}
		}()
		events := collect(t, b)
		wg.Wait()

		assert.EqualValues(t, 1, peak.Load(), "both runs must share the single slot")
		assert.Len(t, toolCompletedEvents(events), 3)
	})

	t.Run("every call gets exactly one start and one completion", func(t *testing.T) {
		var inflight, peak atomic.Int32
		fp := &fakeProvider{streams: []provider.Stream{
			&scriptedStream{turn: toolCallTurn(probeCalls(5)...)},
			&scriptedStream{turn: textTurn("done")},
		}}
		coord, err := New(testConfig(fp, probeRegistry(t, &inflight, &peak)))
		require.NoError(t, err)

		h, err := coord.Open(context.Background(), "go", RunOptions{})
		require.NoError(t, err)
		events := collect(t, h)

		started := map[string]int{}
		completed := map[string]int{}
		var lastStarted, firstCompleted int
		firstCompleted = len(events)
		for i, ev := range events {
			switch ev.Kind {
			case run.KindToolStarted:
				started[ev.ToolCallID]++
				lastStarted = i
			case run.KindToolCompleted:
				completed[ev.ToolCallID]++
				if i < firstCompleted {
					firstCompleted = i
				}
			}
		}
		require.Len(t, started, 5)
		require.Len(t, completed, 5)
		for id, n := range started {
			assert.Equal(t, 1, n, "tool_started for %s", id)
			assert.Equal(t, 1, completed[id], "tool_completed for %s", id)
		}
		assert.Less(t, lastStarted, firstCompleted, "all starts precede completions within a round")
	})
}

func TestFormatToolResult(t *testing.T) {
	assert.Equal(t, "", formatToolResult(nil))
	assert.Equal(t, "plain", formatToolResult("plain"))
	assert.Equal(t, `{"temp":15}`, formatToolResult(map[string]any{"temp": 15}))
	assert.Equal(t, "42", formatToolResult(42))
}
