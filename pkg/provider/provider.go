// Package provider defines the completion-generation contract the engine
// consumes, plus streaming adapters for Anthropic and OpenAI models.
package provider

import (
	"context"

	"github.com/kestrelworks/kestrel/pkg/run"
	"github.com/kestrelworks/kestrel/pkg/tools"
)

// ChunkKind classifies one streamed fragment.
type ChunkKind string

const (
	ChunkContent  ChunkKind = "content"
	ChunkThinking ChunkKind = "thinking"
	ChunkToolCall ChunkKind = "tool_call"
)

// Chunk is one ordered fragment of a completion stream.
type Chunk struct {
	Kind ChunkKind
	Text string
	// ToolCall is set for tool_call chunks. Arguments may be partial until
	// the final turn is available.
	ToolCall *run.ToolCall
}

// Turn is the final structured result of one completion call.
type Turn struct {
	Content   string
	Thinking  string
	ToolCalls []run.ToolCall
	Usage     map[string]any
}

// Request carries everything a provider needs for one completion call.
type Request struct {
	Model       string
	System      string
	Messages    []run.Message
	Tools       []tools.Definition
	MaxTokens   int
	Temperature float64
}

// Stream yields ordered chunks, then the accumulated final turn.
// Recv returns io.EOF once the stream is exhausted; Final is only valid
// after that.
type Stream interface {
	Recv() (Chunk, error)
	Final() (Turn, error)
}

// Provider starts completion calls against one model backend.
type Provider interface {
	Generate(ctx context.Context, req Request) (Stream, error)
	Name() string
}
