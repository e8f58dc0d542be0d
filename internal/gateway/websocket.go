// Package gateway exposes the orchestrator over a WebSocket transport.
// Each connection carries request frames inbound and the event stream
// outbound.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlascore/atlas/internal/agent"
	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/orchestrator"
	"github.com/atlascore/atlas/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Metrics is the slice of the metric set the gateway reports to.
type Metrics interface {
	AddTokensDropped(n uint64)
}

// Handler upgrades HTTP requests and speaks the chat frame protocol.
type Handler struct {
	orch     *orchestrator.Orchestrator
	buffer   int
	logger   *slog.Logger
	metrics  Metrics
	upgrader websocket.Upgrader
}

func NewHandler(orch *orchestrator.Orchestrator, eventBuffer int, logger *slog.Logger, metrics Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if eventBuffer <= 0 {
		eventBuffer = events.DefaultBuffer
	}
	return &Handler{
		orch:    orch,
		buffer:  eventBuffer,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// inboundFrame is the union of all client-to-server messages,
// discriminated by Type.
type inboundFrame struct {
	Type string `json:"type"`

	// user_message
	SessionID string                    `json:"session_id,omitempty"`
	Content   string                    `json:"content,omitempty"`
	Provider  string                    `json:"provider,omitempty"`
	Model     string                    `json:"model,omitempty"`
	UserEmail string                    `json:"user_email,omitempty"`
	Tools     []string                  `json:"tools,omitempty"`
	Sources   []string                  `json:"sources,omitempty"`
	Files     map[string]models.FileRef `json:"files,omitempty"`
	PromptID  string                    `json:"prompt_id,omitempty"`
	SaveMode  models.SaveMode           `json:"save_mode,omitempty"`
	Options   frameOptions              `json:"options,omitempty"`

	// tool_approval_response and elicitation_response
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type frameOptions struct {
	ToolChoiceRequired bool    `json:"tool_choice_required,omitempty"`
	ForceRetrieval     bool    `json:"force_retrieval,omitempty"`
	AgentMode          bool    `json:"agent_mode,omitempty"`
	MaxSteps           int     `json:"max_steps,omitempty"`
	Temperature        float32 `json:"temperature,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.run()
}

type wsConn struct {
	handler *Handler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	// One in-flight turn at a time per connection; further
	// user_message frames are rejected until it finishes.
	mu     sync.Mutex
	active bool
	abort  context.CancelFunc
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	c.mu.Lock()
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}

		switch frame.Type {
		case "user_message":
			c.handleUserMessage(&frame)
		case "tool_approval_response":
			c.handleApproval(&frame)
		case "elicitation_response":
			c.handleElicitation(&frame)
		case "reset_session":
			c.handleReset(&frame)
		default:
			c.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleUserMessage(frame *inboundFrame) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		c.sendError("a message is already being processed")
		return
	}
	turnCtx, abort := context.WithCancel(c.ctx)
	c.active = true
	c.abort = abort
	c.mu.Unlock()

	req := &orchestrator.Request{
		SessionID: frame.SessionID,
		Content:   frame.Content,
		Provider:  frame.Provider,
		Model:     frame.Model,
		UserEmail: frame.UserEmail,
		Tools:     frame.Tools,
		Sources:   frame.Sources,
		Files:     frame.Files,
		PromptID:  frame.PromptID,
		SaveMode:  frame.SaveMode,
		Options: orchestrator.Options{
			ToolChoiceRequired: frame.Options.ToolChoiceRequired,
			ForceRetrieval:     frame.Options.ForceRetrieval,
			AgentMode:          frame.Options.AgentMode,
			MaxSteps:           frame.Options.MaxSteps,
			Temperature:        frame.Options.Temperature,
		},
	}

	pub := events.NewPublisher(c.handler.buffer)
	go c.forwardEvents(pub)
	go func() {
		defer func() {
			abort()
			c.mu.Lock()
			c.active = false
			c.abort = nil
			c.mu.Unlock()
		}()
		c.handler.orch.Execute(turnCtx, req, pub)
	}()
}

// forwardEvents copies the turn's event stream onto the socket until
// the terminal event closes the publisher.
func (c *wsConn) forwardEvents(pub *events.Publisher) {
	for ev := range pub.Events() {
		data, err := EncodeEvent(ev)
		if err != nil {
			c.handler.logger.Error("failed to encode event",
				"kind", ev.Kind(),
				"error", err)
			continue
		}
		select {
		case c.send <- data:
		case <-c.ctx.Done():
			return
		}
	}
	if n := pub.Dropped(); n > 0 {
		c.handler.logger.Debug("token events shed under back-pressure", "count", n)
		if c.handler.metrics != nil {
			c.handler.metrics.AddTokensDropped(n)
		}
	}
}

func (c *wsConn) handleApproval(frame *inboundFrame) {
	resp := agent.ApprovalResponse{
		Action:    agent.ApprovalAction(frame.Action),
		Arguments: frame.Arguments,
		Reason:    frame.Reason,
	}
	switch resp.Action {
	case agent.ApprovalApprove, agent.ApprovalReject, agent.ApprovalCancel:
	default:
		c.sendError(fmt.Sprintf("unknown approval action %q", frame.Action))
		return
	}
	if err := c.handler.orch.Broker().Resolve(frame.ToolCallID, resp); err != nil {
		c.sendError(err.Error())
	}
}

// handleElicitation routes a mid-call input request back to the tool
// waiting on it. Elicitation tickets share the broker with approvals
// under a distinct key prefix.
func (c *wsConn) handleElicitation(frame *inboundFrame) {
	resp := agent.ApprovalResponse{
		Action:    agent.ApprovalApprove,
		Arguments: frame.Payload,
	}
	if frame.Action == "cancel" {
		resp = agent.ApprovalResponse{Action: agent.ApprovalCancel}
	}
	if err := c.handler.orch.Broker().Resolve(agent.ElicitationKey(frame.ToolCallID), resp); err != nil {
		c.sendError(err.Error())
	}
}

func (c *wsConn) handleReset(frame *inboundFrame) {
	if err := c.handler.orch.ResetSession(c.ctx, frame.SessionID); err != nil {
		c.sendError("failed to reset session")
		return
	}
	c.sendJSON(map[string]any{"type": "session_reset", "session_id": frame.SessionID})
}

func (c *wsConn) sendError(msg string) {
	c.sendJSON(map[string]any{"type": "protocol_error", "message": msg})
}

func (c *wsConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// EncodeEvent renders an event as a wire frame: the event's own fields
// plus a type discriminator.
func EncodeEvent(ev events.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = string(ev.Kind())
	return json.Marshal(fields)
}
