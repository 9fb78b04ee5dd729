package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/kestrel/pkg/checkpoint"
	"github.com/kestrelworks/kestrel/pkg/provider"
	"github.com/kestrelworks/kestrel/pkg/tools"
)

// ToolRegistry is the collaborator contract for tool execution.
// *tools.Registry satisfies it.
type ToolRegistry interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	Definitions() []tools.Definition
}

// Config wires a Coordinator's collaborators and limits.
type Config struct {
	Provider provider.Provider
	Registry ToolRegistry
	Signing  checkpoint.Signing
	Logger   zerolog.Logger

	Model        string
	SystemPrompt string
	// Policy is an opaque policy tag folded into the config fingerprint.
	Policy string

	// MaxIterations bounds completed tool rounds before the run is forced
	// to complete with a canned result.
	MaxIterations int
	// MaxConcurrency bounds parallel tool execution within one round.
	MaxConcurrency int
	// MaxRetries bounds additional attempts after a retryable tool failure.
	MaxRetries int
	// RetryBackoff is the fixed delay between tool attempts.
	RetryBackoff time.Duration
	// ToolTimeout bounds each individual tool attempt.
	ToolTimeout time.Duration

	MaxTokens   int
	Temperature float64

	// EventBuffer sizes the per-run event channel. The run blocks when the
	// consumer falls this far behind.
	EventBuffer int
	// CaptureDeltas forwards streamed completion fragments as llm_delta
	// events. Off, only structural events are emitted.
	CaptureDeltas bool

	// Pool optionally shares one tool-execution gate across runs.
	Pool *Pool
}

func (c Config) withDefaults() (Config, error) {
	if c.Provider == nil {
		return c, fmt.Errorf("completion provider is required")
	}
	if c.Registry == nil {
		return c, fmt.Errorf("tool registry is required")
	}
	if c.Model == "" {
		return c, fmt.Errorf("model is required")
	}
	if err := c.Signing.Validate(); err != nil {
		return c, err
	}

	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries < 0 {
		return c, fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}

	if c.Signing.Fingerprint == "" {
		names := []string{}
		for _, def := range c.Registry.Definitions() {
			names = append(names, def.Name)
		}
		c.Signing.Fingerprint = checkpoint.Fingerprint(c.Model, names, c.Policy)
	}
	return c, nil
}
