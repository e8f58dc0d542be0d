package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlascore/atlas/internal/config"
)

// Transport carries JSON-RPC requests to a single MCP server. The
// fleet layers the protocol handshake and catalogue calls on top.
// Connect must not tie the server's lifetime to ctx; the server
// outlives the request that brought it up.
type Transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the server is still reachable; a
	// transport whose process died reports false so the fleet can
	// rebuild it.
	Connected() bool

	// Requests surfaces server-initiated requests, nil when the
	// transport cannot receive them. Respond answers one.
	Requests() <-chan *rpcRequest
	Respond(ctx context.Context, id any, result any, rpcErr *rpcError) error

	Close() error
}

// newTransport picks the transport for a server definition.
func newTransport(cfg config.MCPServerConfig) (Transport, error) {
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport needs a command", cfg.Name)
		}
		return newStdioTransport(cfg), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: http transport needs a url", cfg.Name)
		}
		return newHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}
