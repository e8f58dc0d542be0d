package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atlascore/atlas/internal/config"
)

const catalogueTTL = 30 * time.Second

// Fleet aggregates the configured MCP servers behind the Client
// interface. Each server gets its own transport; tool and prompt
// catalogues are fetched per server and cached briefly so that
// back-to-back turns do not hammer the fleet with list calls.
type Fleet struct {
	logger  *slog.Logger
	servers map[string]*fleetServer
	elicit  ElicitationHandler

	cacheMu       sync.Mutex
	toolCache     map[string][]ToolDescriptor
	toolCachedAt  time.Time
	promptCache   map[string][]PromptDescriptor
	promptCacheAt time.Time
}

type fleetServer struct {
	cfg       config.MCPServerConfig
	transport Transport
	approval  map[string]bool
	admin     map[string]bool

	mu    sync.Mutex
	ready bool
}

// NewFleet builds the fleet from configuration. Transports are not
// started until Connect.
func NewFleet(cfgs []config.MCPServerConfig, logger *slog.Logger) (*Fleet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fleet{
		logger:  logger.With("component", "mcp"),
		servers: make(map[string]*fleetServer, len(cfgs)),
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("mcp server without a name")
		}
		if _, dup := f.servers[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate mcp server %q", cfg.Name)
		}
		transport, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		f.servers[cfg.Name] = &fleetServer{
			cfg:       cfg,
			transport: transport,
			approval:  toolSet(cfg.ApprovalTools),
			admin:     toolSet(cfg.AdminTools),
		}
	}
	return f, nil
}

// Elicitation is a server-initiated request for user input, raised
// while one of the server's tools is running.
type Elicitation struct {
	Server  string
	Message string
	Schema  json.RawMessage
}

// ElicitationResult carries the user's answer back to the server.
// Action is accept, decline or cancel per the protocol.
type ElicitationResult struct {
	Action  string
	Content map[string]any
}

// ElicitationHandler resolves an elicitation, typically by asking the
// user who owns the in-flight tool call.
type ElicitationHandler func(ctx context.Context, e Elicitation) (ElicitationResult, error)

// SetElicitationHandler installs the handler for elicitation/create
// requests. Must be called before Connect.
func (f *Fleet) SetElicitationHandler(h ElicitationHandler) {
	f.elicit = h
}

func toolSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Connect starts every transport and runs the protocol handshake. A
// server that fails to come up is logged and left unready; calls
// against it fail individually rather than taking the fleet down.
func (f *Fleet) Connect(ctx context.Context) error {
	for name, srv := range f.servers {
		if err := f.connectServer(ctx, srv); err != nil {
			f.logger.Warn("mcp server unavailable", "server", name, "error", err)
		}
	}
	return nil
}

func (f *Fleet) connectServer(ctx context.Context, srv *fleetServer) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ready {
		if srv.transport.Connected() {
			return nil
		}
		// The process died under us. Rebuild the transport and run the
		// handshake again rather than writing into a dead pipe.
		f.logger.Warn("mcp server connection lost, restarting", "server", srv.cfg.Name)
		_ = srv.transport.Close()
		srv.ready = false
		transport, err := newTransport(srv.cfg)
		if err != nil {
			return err
		}
		srv.transport = transport
	}
	if err := srv.transport.Connect(ctx); err != nil {
		return err
	}
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"elicitation": map[string]any{}},
		ClientInfo:      clientInfo{Name: "atlas", Version: "1.0.0"},
	}
	raw, err := srv.transport.Call(ctx, "initialize", params)
	if err != nil {
		_ = srv.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := unmarshalResult(raw, &init); err != nil {
		_ = srv.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	if err := srv.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		f.logger.Debug("initialized notification failed", "server", srv.cfg.Name, "error", err)
	}
	srv.ready = true
	if ch := srv.transport.Requests(); ch != nil {
		go f.serveRequests(srv, srv.transport, ch)
	}
	f.logger.Info("mcp server connected",
		"server", srv.cfg.Name,
		"name", init.ServerInfo.Name,
		"protocol", init.ProtocolVersion)
	return nil
}

// serveRequests pumps server-initiated requests until the transport's
// channel closes with the process. Each request is answered on its own
// goroutine: an elicitation blocks on the user, and the server may
// have more than one in flight.
func (f *Fleet) serveRequests(srv *fleetServer, transport Transport, ch <-chan *rpcRequest) {
	for req := range ch {
		go f.dispatchRequest(srv, transport, req)
	}
}

func (f *Fleet) dispatchRequest(srv *fleetServer, transport Transport, req *rpcRequest) {
	ctx := context.Background()
	switch req.Method {
	case "elicitation/create":
		if f.elicit == nil {
			_ = transport.Respond(ctx, req.ID, nil, &rpcError{Code: -32601, Message: "elicitation not supported"})
			return
		}
		var params elicitationParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				_ = transport.Respond(ctx, req.ID, nil, &rpcError{Code: -32602, Message: "invalid elicitation params"})
				return
			}
		}
		res, err := f.elicit(ctx, Elicitation{
			Server:  srv.cfg.Name,
			Message: params.Message,
			Schema:  params.RequestedSchema,
		})
		if err != nil {
			f.logger.Warn("elicitation failed", "server", srv.cfg.Name, "error", err)
			_ = transport.Respond(ctx, req.ID, elicitationWireResult{Action: "cancel"}, nil)
			return
		}
		_ = transport.Respond(ctx, req.ID, elicitationWireResult{Action: res.Action, Content: res.Content}, nil)
	default:
		f.logger.Debug("unsupported server request", "server", srv.cfg.Name, "method", req.Method)
		_ = transport.Respond(ctx, req.ID, nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method %q not supported", req.Method)})
	}
}

// Close shuts down every transport.
func (f *Fleet) Close() error {
	for _, srv := range f.servers {
		srv.mu.Lock()
		if srv.ready {
			_ = srv.transport.Close()
			srv.ready = false
		}
		srv.mu.Unlock()
	}
	return nil
}

// ListTools fetches the tool catalogue from every ready server in
// parallel. A server that fails to answer is omitted; the catalogue is
// best effort by design of the turn flow, which degrades to fewer
// tools rather than failing the request.
func (f *Fleet) ListTools(ctx context.Context) (map[string][]ToolDescriptor, error) {
	f.cacheMu.Lock()
	if f.toolCache != nil && time.Since(f.toolCachedAt) < catalogueTTL {
		cached := f.toolCache
		f.cacheMu.Unlock()
		return cached, nil
	}
	f.cacheMu.Unlock()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		catalogue = make(map[string][]ToolDescriptor, len(f.servers))
	)
	for name, srv := range f.servers {
		wg.Add(1)
		go func(name string, srv *fleetServer) {
			defer wg.Done()
			descs, err := f.listServerTools(ctx, srv)
			if err != nil {
				f.logger.Warn("tool listing failed", "server", name, "error", err)
				return
			}
			mu.Lock()
			catalogue[name] = descs
			mu.Unlock()
		}(name, srv)
	}
	wg.Wait()

	f.cacheMu.Lock()
	f.toolCache = catalogue
	f.toolCachedAt = time.Now()
	f.cacheMu.Unlock()
	return catalogue, nil
}

func (f *Fleet) listServerTools(ctx context.Context, srv *fleetServer) ([]ToolDescriptor, error) {
	if err := f.connectServer(ctx, srv); err != nil {
		return nil, err
	}
	raw, err := srv.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := unmarshalResult(raw, &result); err != nil {
		return nil, err
	}
	descs := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		descs = append(descs, ToolDescriptor{
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      t.InputSchema,
			RequiresApproval: srv.approval[t.Name] || srv.admin[t.Name],
			AdminRequired:    srv.admin[t.Name],
			EditAllowed:      srv.cfg.EditAllowed,
		})
	}
	return descs, nil
}

// CallTool invokes one tool and returns the concatenated text content
// of its result. A result flagged isError comes back as a Go error so
// the executor can report it the same way as a transport failure.
func (f *Fleet) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	srv, ok := f.servers[server]
	if !ok {
		return "", fmt.Errorf("unknown mcp server %q", server)
	}
	if err := f.connectServer(ctx, srv); err != nil {
		return "", fmt.Errorf("server %s unavailable: %w", server, err)
	}

	raw, err := srv.transport.Call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var result callToolResult
	if err := unmarshalResult(raw, &result); err != nil {
		return "", err
	}
	text := joinText(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// ListPrompts fetches the prompt catalogue per server, resolving each
// prompt body through prompts/get.
func (f *Fleet) ListPrompts(ctx context.Context) (map[string][]PromptDescriptor, error) {
	f.cacheMu.Lock()
	if f.promptCache != nil && time.Since(f.promptCacheAt) < catalogueTTL {
		cached := f.promptCache
		f.cacheMu.Unlock()
		return cached, nil
	}
	f.cacheMu.Unlock()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		catalogue = make(map[string][]PromptDescriptor, len(f.servers))
	)
	for name, srv := range f.servers {
		wg.Add(1)
		go func(name string, srv *fleetServer) {
			defer wg.Done()
			prompts, err := f.listServerPrompts(ctx, srv)
			if err != nil {
				f.logger.Debug("prompt listing failed", "server", name, "error", err)
				return
			}
			if len(prompts) == 0 {
				return
			}
			mu.Lock()
			catalogue[name] = prompts
			mu.Unlock()
		}(name, srv)
	}
	wg.Wait()

	f.cacheMu.Lock()
	f.promptCache = catalogue
	f.promptCacheAt = time.Now()
	f.cacheMu.Unlock()
	return catalogue, nil
}

func (f *Fleet) listServerPrompts(ctx context.Context, srv *fleetServer) ([]PromptDescriptor, error) {
	if err := f.connectServer(ctx, srv); err != nil {
		return nil, err
	}
	raw, err := srv.transport.Call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result listPromptsResult
	if err := unmarshalResult(raw, &result); err != nil {
		return nil, err
	}

	prompts := make([]PromptDescriptor, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		desc := PromptDescriptor{Name: p.Name, Description: p.Description}
		if body, err := f.promptBody(ctx, srv, p.Name); err == nil {
			desc.Body = body
		} else {
			f.logger.Debug("prompt fetch failed", "server", srv.cfg.Name, "prompt", p.Name, "error", err)
		}
		prompts = append(prompts, desc)
	}
	return prompts, nil
}

func (f *Fleet) promptBody(ctx context.Context, srv *fleetServer, name string) (string, error) {
	raw, err := srv.transport.Call(ctx, "prompts/get", getPromptParams{Name: name})
	if err != nil {
		return "", err
	}
	var result getPromptResult
	if err := unmarshalResult(raw, &result); err != nil {
		return "", err
	}
	var parts []string
	for _, msg := range result.Messages {
		if msg.Content.Type == "text" && msg.Content.Text != "" {
			parts = append(parts, msg.Content.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func joinText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func unmarshalResult(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
