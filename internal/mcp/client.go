// Package mcp defines the Model Context Protocol collaborator surface
// the core consumes, and the directory that resolves fully qualified
// tool names against the connected server fleet. The server processes
// themselves are external; only their catalogue and call interface
// appear here.
package mcp

import (
	"context"
	"encoding/json"
)

// ToolDescriptor describes one tool exposed by an MCP server.
type ToolDescriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	AdminRequired    bool            `json:"admin_required,omitempty"`
	EditAllowed      bool            `json:"edit_allowed,omitempty"`
}

// PromptDescriptor describes one prompt template exposed by a server.
type PromptDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Body        string `json:"body,omitempty"`
}

// Client is the MCP collaborator: a catalogue of servers and their
// tools, and a call operation. Implementations are safe for concurrent
// use; the executor issues parallel calls against one client.
type Client interface {
	// ListTools returns the tool catalogue keyed by server name.
	ListTools(ctx context.Context) (map[string][]ToolDescriptor, error)

	// CallTool invokes a tool on a server and returns its textual
	// result payload. Timeouts are the caller's concern, applied via
	// ctx.
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)

	// ListPrompts returns the prompt catalogue keyed by server name.
	ListPrompts(ctx context.Context) (map[string][]PromptDescriptor, error)
}
