package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kestrelworks/kestrel/pkg/run"
)

// AnthropicProvider implements Provider for Anthropic Claude models.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate starts a streaming message call.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}
	return &anthropicStream{
		stream: p.client.Messages.NewStreaming(ctx, params),
	}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc    anthropic.Message
	done   bool
}

// Recv advances the SSE stream until it produces a caller-visible chunk.
func (s *anthropicStream) Recv() (Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.acc.Accumulate(event); err != nil {
			return Chunk{}, fmt.Errorf("accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				return Chunk{
					Kind:     ChunkToolCall,
					ToolCall: &run.ToolCall{ID: block.ID, Name: block.Name},
				}, nil
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				return Chunk{Kind: ChunkContent, Text: delta.Text}, nil
			case anthropic.ThinkingDelta:
				return Chunk{Kind: ChunkThinking, Text: delta.Thinking}, nil
			}
		}
		// Other event types only advance accumulation.
	}

	if err := s.stream.Err(); err != nil {
		return Chunk{}, err
	}
	s.done = true
	return Chunk{}, io.EOF
}

// Final assembles the accumulated message into a Turn.
func (s *anthropicStream) Final() (Turn, error) {
	if !s.done {
		return Turn{}, fmt.Errorf("stream not fully consumed")
	}

	turn := Turn{
		Usage: map[string]any{
			"input_tokens":  s.acc.Usage.InputTokens,
			"output_tokens": s.acc.Usage.OutputTokens,
		},
	}

	for _, block := range s.acc.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			turn.Content += b.Text
		case anthropic.ThinkingBlock:
			turn.Thinking += b.Thinking
		case anthropic.ToolUseBlock:
			var args map[string]any
			if raw := b.JSON.Input.Raw(); raw != "" && raw != "null" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return Turn{}, fmt.Errorf("parse tool input for %s: %w", b.Name, err)
				}
			}
			turn.ToolCalls = append(turn.ToolCalls, run.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	return turn, nil
}

// anthropicParams translates the engine request into SDK parameters.
func anthropicParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == "system":
			// System prompt is passed separately.
		case msg.Role == "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, def := range req.Tools {
		schema := def.SchemaMap()
		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	return params, nil
}
