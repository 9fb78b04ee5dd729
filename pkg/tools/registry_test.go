package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
}

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo input back",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegister(t *testing.T) {
	t.Run("should register a valid tool", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoTool()))
		assert.Equal(t, []string{"echo"}, r.Names())
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoTool()))
		err := r.Register(echoTool())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("should reject missing handler", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Handler = nil
		assert.Error(t, r.Register(def))
	})

	t.Run("should reject invalid parameter type", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Parameters[0].Type = "text"
		assert.Error(t, r.Register(def))
	})
}

func TestExecute(t *testing.T) {
	t.Run("should run a registered tool", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoTool()))

		out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})

	t.Run("should fail closed on unknown tool", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.Execute(context.Background(), "nope", nil)
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, FailureUnknownTool, f.Kind)
		assert.False(t, Retryable(err))
	})

	t.Run("should reject arguments outside the schema", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(echoTool()))

		for name, args := range map[string]map[string]any{
			"missing required": {},
			"wrong type":       {"text": 7},
			"extra property":   {"text": "hi", "color": "red"},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := r.Execute(context.Background(), "echo", args)
				var f *Failure
				require.ErrorAs(t, err, &f)
				assert.Equal(t, FailureValidation, f.Kind)
				assert.False(t, Retryable(err))
			})
		}
	})

	t.Run("should classify handler errors as execution failures", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Name = "flaky"
		def.Handler = func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("upstream hiccup")
		}
		require.NoError(t, r.Register(def))

		_, err := r.Execute(context.Background(), "flaky", map[string]any{"text": "x"})
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, FailureExecution, f.Kind)
		assert.True(t, Retryable(err))
	})

	t.Run("should recover handler panics", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Name = "explosive"
		def.Handler = func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		}
		require.NoError(t, r.Register(def))

		_, err := r.Execute(context.Background(), "explosive", map[string]any{"text": "x"})
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, FailurePanic, f.Kind)
		assert.Contains(t, f.Message, "boom")
		assert.True(t, Retryable(err))
	})

	t.Run("should map attempt deadline to timeout failure", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Name = "slow"
		def.Handler = func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		require.NoError(t, r.Register(def))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := r.Execute(ctx, "slow", map[string]any{"text": "x"})
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, FailureTimeout, f.Kind)
		assert.True(t, Retryable(err))
	})

	t.Run("should surface caller cancellation as non-retryable", func(t *testing.T) {
		r := newTestRegistry(t)
		def := echoTool()
		def.Name = "blocked"
		def.Handler = func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		require.NoError(t, r.Register(def))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := r.Execute(ctx, "blocked", map[string]any{"text": "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, Retryable(err))
	})
}

func TestSchemaMap(t *testing.T) {
	def := echoTool()
	def.Parameters = append(def.Parameters, Parameter{Name: "times", Type: "integer", Description: "repeat count", Default: 1})

	schema := def.SchemaMap()
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "text")
	require.Contains(t, props, "times")
	assert.Equal(t, []string{"text"}, schema["required"])
}
