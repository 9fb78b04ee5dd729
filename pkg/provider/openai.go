package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/kestrelworks/kestrel/pkg/run"
)

// OpenAIProvider implements Provider for OpenAI chat models.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate starts a streaming chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	params, err := openaiParams(req)
	if err != nil {
		return nil, err
	}
	return &openaiStream{
		stream: p.client.Chat.Completions.NewStreaming(ctx, params),
	}, nil
}

type openaiStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	acc    openai.ChatCompletionAccumulator
	done   bool
}

// Recv advances the SSE stream until it produces a caller-visible chunk.
func (s *openaiStream) Recv() (Chunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)

		if tc, ok := s.acc.JustFinishedToolCall(); ok {
			return Chunk{
				Kind:     ChunkToolCall,
				ToolCall: &run.ToolCall{ID: tc.ID, Name: tc.Name},
			}, nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return Chunk{Kind: ChunkContent, Text: chunk.Choices[0].Delta.Content}, nil
		}
	}

	if err := s.stream.Err(); err != nil {
		return Chunk{}, err
	}
	s.done = true
	return Chunk{}, io.EOF
}

// Final assembles the accumulated completion into a Turn.
func (s *openaiStream) Final() (Turn, error) {
	if !s.done {
		return Turn{}, fmt.Errorf("stream not fully consumed")
	}
	if len(s.acc.Choices) == 0 {
		return Turn{}, fmt.Errorf("no response choices returned")
	}

	message := s.acc.Choices[0].Message
	turn := Turn{
		Content: message.Content,
		Usage: map[string]any{
			"input_tokens":  s.acc.Usage.PromptTokens,
			"output_tokens": s.acc.Usage.CompletionTokens,
		},
	}

	for _, tc := range message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Turn{}, fmt.Errorf("parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		turn.ToolCalls = append(turn.ToolCalls, run.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return turn, nil
}

// openaiParams translates the engine request into SDK parameters.
func openaiParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Passed separately above.
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	for _, def := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.SchemaMap()),
			},
		})
	}

	return params, nil
}
