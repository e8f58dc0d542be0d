package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/atlascore/atlas/pkg/models"
)

// OpenAIProvider streams completions from the OpenAI chat API or any
// compatible endpoint. Tool call fragments are accumulated across
// deltas and surfaced as complete calls on the closing chunk.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider builds a provider. baseURL overrides the API host
// for OpenAI-compatible backends; empty means the public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// StreamPlain streams a completion without tools.
func (p *OpenAIProvider) StreamPlain(ctx context.Context, req *StreamRequest) (<-chan Token, error) {
	stream, err := p.openStream(ctx, req, false)
	if err != nil {
		return nil, err
	}

	tokens := make(chan Token)
	go func() {
		defer close(tokens)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case tokens <- Token{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				select {
				case tokens <- Token{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return tokens, nil
}

// StreamWithTools streams a tool-enabled completion. Text deltas are
// forwarded as they arrive; accumulated tool calls are delivered on
// the final chunk.
func (p *OpenAIProvider) StreamWithTools(ctx context.Context, req *StreamRequest) (<-chan Chunk, error) {
	stream, err := p.openStream(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		// Fragments keyed by the index OpenAI uses to interleave
		// parallel calls.
		partials := map[int]*toolPartial{}
		finish := ""

		send := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					send(Chunk{Err: err})
					return
				}
				send(Chunk{ToolCalls: assembleCalls(partials), FinishReason: finish})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !send(Chunk{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pt := partials[idx]
				if pt == nil {
					pt = &toolPartial{}
					partials[idx] = pt
				}
				if tc.ID != "" {
					pt.id = tc.ID
				}
				if tc.Function.Name != "" {
					pt.name = tc.Function.Name
				}
				pt.args.WriteString(tc.Function.Arguments)
			}
		}
	}()
	return chunks, nil
}

// toolPartial accumulates one tool call streamed as fragments.
type toolPartial struct {
	id   string
	name string
	args strings.Builder
}

func assembleCalls(partials map[int]*toolPartial) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(partials))
	for i := 0; i < len(partials); i++ {
		pt := partials[i]
		if pt == nil || pt.id == "" || pt.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := pt.args.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		out = append(out, models.ToolCall{ID: pt.id, Name: pt.name, Arguments: args})
	}
	return out
}

func (p *OpenAIProvider) openStream(ctx context.Context, req *StreamRequest, withTools bool) (*openai.ChatCompletionStream, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		User:     req.UserEmail,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if withTools && len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
		if req.ToolChoice == ToolChoiceRequired {
			chatReq.ToolChoice = "required"
		}
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			return stream, nil
		}
		if !retryable(lastErr) {
			return nil, fmt.Errorf("completion request failed: %w", lastErr)
		}
	}
	return nil, fmt.Errorf("completion request failed after %d attempts: %w", p.maxRetries, lastErr)
}

func convertOpenAIMessages(req *StreamRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil || schema == nil {
			// A broken schema must not take the whole request down.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

// retryable classifies transient failures: rate limits, 5xx responses,
// timeouts.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
