package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/atlascore/atlas/internal/config"
)

// stdioTransport runs the server as a child process and exchanges
// newline-delimited JSON-RPC frames over its stdin/stdout.
type stdioTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
	nextID    atomic.Int64

	requests chan *rpcRequest

	connected atomic.Bool
	reaped    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newStdioTransport(cfg config.MCPServerConfig) *stdioTransport {
	return &stdioTransport{
		cfg:      cfg,
		logger:   slog.Default().With("mcp_server", cfg.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *rpcResponse),
		requests: make(chan *rpcRequest, 16),
		done:     make(chan struct{}),
	}
}

// Connect starts the child process. The process lifetime is owned by
// the transport, not the caller's context: connections are established
// lazily from request-scoped contexts, and the server must outlive the
// request that happened to bring it up. ctx only bounds the calls the
// fleet layers on top.
func (t *stdioTransport) Connect(ctx context.Context) error {
	t.cmd = exec.Command(t.cfg.Command, t.cfg.Args...)
	t.cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		t.cmd.Env = append(t.cmd.Env, k+"="+v)
	}

	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.cmd.StderrPipe()

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.cfg.Command, err)
	}
	t.connected.Store(true)
	t.logger.Info("mcp server started", "command", t.cfg.Command, "pid", t.cmd.Process.Pid)

	go t.readLoop(stdout)
	if stderr != nil {
		go t.drainStderr(stderr)
	}
	return nil
}

func (t *stdioTransport) Close() error {
	t.shutdown()
	if !t.reaped.CompareAndSwap(false, true) {
		return nil
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}

// shutdown marks the transport dead and releases every pending call.
// Reached from Close and from the read loop when the process exits on
// its own.
func (t *stdioTransport) shutdown() {
	t.connected.Store(false)
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("server %s not connected", t.cfg.Name)
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	ch := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-t.done:
		return nil, fmt.Errorf("server %s closed", t.cfg.Name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Requests surfaces server-initiated requests. The channel closes when
// the process exits.
func (t *stdioTransport) Requests() <-chan *rpcRequest {
	return t.requests
}

// Respond answers a server-initiated request.
func (t *stdioTransport) Respond(ctx context.Context, id any, result any, rpcErr *rpcError) error {
	if !t.connected.Load() {
		return fmt.Errorf("server %s not connected", t.cfg.Name)
	}
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = raw
	}
	return t.writeFrame(resp)
}

// Notify writes a request frame with no id; the server sends nothing
// back.
func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("server %s not connected", t.cfg.Name)
	}
	notif := rpcRequest{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	return t.writeFrame(notif)
}

func (t *stdioTransport) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", t.cfg.Name, err)
	}
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer close(t.requests)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      any             `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
			Result  json.RawMessage `json:"result,omitempty"`
			Error   *rpcError       `json:"error,omitempty"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			t.logger.Warn("discarding unparseable frame", "error", err)
			continue
		}

		// A frame with a method is server-initiated: a request when it
		// carries an id, a notification otherwise. Notifications are
		// dropped; requests go to the fleet for dispatch.
		if frame.Method != "" {
			if frame.ID == nil {
				continue
			}
			req := &rpcRequest{JSONRPC: frame.JSONRPC, ID: frame.ID, Method: frame.Method, Params: frame.Params}
			select {
			case t.requests <- req:
			default:
				t.logger.Warn("server request channel full, dropping", "method", frame.Method)
			}
			continue
		}

		id, ok := frameID(frame.ID)
		if !ok {
			continue
		}
		t.pendingMu.Lock()
		ch := t.pending[id]
		t.pendingMu.Unlock()
		if ch != nil {
			ch <- &rpcResponse{JSONRPC: frame.JSONRPC, ID: frame.ID, Result: frame.Result, Error: frame.Error}
		}
	}
	if t.connected.Load() {
		t.logger.Warn("mcp server stdout closed", "error", scanner.Err())
	}
	t.shutdown()
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// frameID normalises a decoded JSON-RPC id to the int64 counter the
// transport issues. Responses echo the id back as a float.
func frameID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	default:
		return 0, false
	}
}
