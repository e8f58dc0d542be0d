// Package llm abstracts the vendor SDKs behind a streaming completion
// interface. The orchestration core only ever sees token and chunk
// channels; provider selection, retries, and wire formats live here.
package llm

import (
	"context"

	"github.com/atlascore/atlas/pkg/models"
)

// ToolChoice controls whether the model is forced to call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// Token is one element of a plain streamed completion. A non-nil Err
// terminates the stream; the channel is closed after it.
type Token struct {
	Text string
	Err  error
}

// Chunk is one element of a tool-enabled streamed completion. Text
// deltas arrive as they are generated; ToolCalls is populated on the
// final chunk of a turn in which the model requested tools. A non-nil
// Err terminates the stream.
type Chunk struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
	Err          error
}

// ToolSchema is a tool definition in the shape the vendor APIs expect:
// a name, a description, and a JSON-schema parameter object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte
}

// StreamRequest carries everything a provider needs for one completion.
type StreamRequest struct {
	Model       string
	Messages    []models.Message
	System      string
	Tools       []ToolSchema
	ToolChoice  ToolChoice
	Temperature float32
	MaxTokens   int
	UserEmail   string
}

// Provider is the LLM collaborator consumed by the mode runners and the
// agentic loop. Both operations return immediately; tokens arrive on
// the returned channel, which the provider closes when the stream ends.
// Cancelling ctx aborts the stream.
type Provider interface {
	Name() string
	StreamPlain(ctx context.Context, req *StreamRequest) (<-chan Token, error)
	StreamWithTools(ctx context.Context, req *StreamRequest) (<-chan Chunk, error)
}
