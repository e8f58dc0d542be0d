package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/atlascore/atlas/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider streams completions from the Anthropic messages
// API. Tool input arrives as partial JSON deltas and is assembled per
// content block.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) StreamPlain(ctx context.Context, req *StreamRequest) (<-chan Token, error) {
	stream, err := p.openStream(ctx, req, false)
	if err != nil {
		return nil, err
	}

	tokens := make(chan Token)
	go func() {
		defer close(tokens)
		send := func(t Token) bool {
			select {
			case tokens <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(Token{Text: delta.Text}) {
						return
					}
				}
			case "message_stop":
				return
			case "error":
				send(Token{Err: errors.New("stream error from upstream")})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(Token{Err: err})
		}
	}()
	return tokens, nil
}

func (p *AnthropicProvider) StreamWithTools(ctx context.Context, req *StreamRequest) (<-chan Chunk, error) {
	stream, err := p.openStream(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		send := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var calls []models.ToolCall
		var current *models.ToolCall
		var input strings.Builder
		stopReason := ""

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					use := block.AsToolUse()
					current = &models.ToolCall{ID: use.ID, Name: use.Name}
					input.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						if !send(Chunk{Text: delta.Text}) {
							return
						}
					}
				case "input_json_delta":
					input.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if current != nil {
					args := map[string]any{}
					if raw := input.String(); raw != "" {
						_ = json.Unmarshal([]byte(raw), &args)
					}
					current.Arguments = args
					calls = append(calls, *current)
					current = nil
				}
			case "message_delta":
				if sr := string(event.AsMessageDelta().Delta.StopReason); sr != "" {
					stopReason = sr
				}
			case "message_stop":
				send(Chunk{ToolCalls: calls, FinishReason: stopReason})
				return
			case "error":
				send(Chunk{Err: errors.New("stream error from upstream")})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(Chunk{Err: err})
			return
		}
		send(Chunk{ToolCalls: calls, FinishReason: stopReason})
	}()
	return chunks, nil
}

func (p *AnthropicProvider) openStream(ctx context.Context, req *StreamRequest, withTools bool) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if withTools && len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		if req.ToolChoice == ToolChoiceRequired {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		stream := p.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			lastErr = err
			if !retryable(err) {
				return nil, fmt.Errorf("completion request failed: %w", err)
			}
			continue
		}
		return stream, nil
	}
	return nil, fmt.Errorf("completion request failed after retries: %w", lastErr)
}

// convertAnthropicMessages maps the internal transcript to Anthropic's
// block format. System messages are excluded here: the API takes the
// system prompt as a separate parameter.
func convertAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil && t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
