package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/atlascore/atlas/internal/config"
)

const defaultHTTPTimeout = 30 * time.Second

// httpTransport posts each JSON-RPC request to the server endpoint and
// reads the response body. There is no persistent connection; the
// server is expected to be stateless per request.
type httpTransport struct {
	cfg    config.MCPServerConfig
	client *http.Client
}

func newHTTPTransport(cfg config.MCPServerConfig) *httpTransport {
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) Connect(ctx context.Context) error { return nil }

func (t *httpTransport) Close() error { return nil }

// Connected is always true: each call stands alone, so reachability is
// discovered per request.
func (t *httpTransport) Connected() bool { return true }

// Requests returns nil; plain HTTP has no server-initiated channel.
func (t *httpTransport) Requests() <-chan *rpcRequest { return nil }

func (t *httpTransport) Respond(ctx context.Context, id any, result any, rpcErr *rpcError) error {
	return fmt.Errorf("server %s: http transport cannot answer server requests", t.cfg.Name)
}

// Notify posts a frame without an id and discards whatever comes back.
func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	notif := rpcRequest{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notify %s: %w", t.cfg.Name, err)
	}
	resp.Body.Close()
	return nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: jsonrpcVersion, ID: uuid.New().String(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server %s returned HTTP %d: %s", t.cfg.Name, resp.StatusCode, snippet)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", t.cfg.Name, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
