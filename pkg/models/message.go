// Package models defines the shared data types that flow between the
// orchestrator, the session store, and the external collaborators.
package models

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the enumerated values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a session's conversation history.
// Tool-role messages carry the ToolCallID of the assistant tool call
// they answer.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a function-style request emitted by the LLM. Name is the
// fully qualified tool name (server name + "_" + tool name).
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the executor's answer to a single tool call. Every tool
// call produces exactly one result; failures are carried in-band via
// Success and Error rather than as Go errors.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Content    string     `json:"content"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
}

// Artifact is an auxiliary output produced by a tool alongside its
// textual result.
type Artifact struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// CloneMessages returns a deep-enough copy of a message slice: the
// backing array, tool call slices, and metadata maps are all fresh.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

// CloneMessage copies a message, including its metadata map and tool
// call arguments, so mutations on the copy never alias the original.
func CloneMessage(m Message) Message {
	clone := m
	if m.Metadata != nil {
		clone.Metadata = cloneAnyMap(m.Metadata)
	}
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Arguments != nil {
				clone.ToolCalls[i].Arguments = cloneAnyMap(tc.Arguments)
			}
		}
	}
	return clone
}

func cloneAnyMap(m map[string]any) map[string]any {
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = cloneAnyValue(v)
	}
	return clone
}

func cloneAnyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAnyMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = cloneAnyValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
