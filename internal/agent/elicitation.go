package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/mcp"
)

// ElicitationKey is the broker ticket key for a tool call's
// elicitation. The key space is shared with approvals; the prefix
// keeps the two from colliding on the same call id.
func ElicitationKey(toolCallID string) string {
	return "elicitation:" + toolCallID
}

// Elicitations routes elicitation/create requests from the server
// fleet to the user who owns the in-flight tool call. Executors
// register each call while it runs; when a server asks for input, the
// request is published on that call's event stream and the answer is
// awaited through the shared broker.
//
// One instance serves the whole fleet, so calls are tracked across
// requests. The newest in-flight call on a server claims its
// elicitations; the protocol gives no call id to correlate on.
type Elicitations struct {
	broker *Broker

	mu    sync.Mutex
	calls map[string][]*trackedCall
}

type trackedCall struct {
	toolCallID string
	publisher  *events.Publisher
	ctx        context.Context
}

func NewElicitations(broker *Broker) *Elicitations {
	return &Elicitations{
		broker: broker,
		calls:  make(map[string][]*trackedCall),
	}
}

// Track registers a tool call against its server for the duration of
// the invocation. The returned func removes the registration and must
// be called when the invocation finishes.
func (e *Elicitations) Track(ctx context.Context, server, toolCallID string, pub *events.Publisher) func() {
	tc := &trackedCall{toolCallID: toolCallID, publisher: pub, ctx: ctx}
	e.mu.Lock()
	e.calls[server] = append(e.calls[server], tc)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		stack := e.calls[server]
		for i, c := range stack {
			if c == tc {
				e.calls[server] = append(stack[:i], stack[i+1:]...)
				break
			}
		}
		if len(e.calls[server]) == 0 {
			delete(e.calls, server)
		}
	}
}

// Handle answers one elicitation from the named server. It fails when
// the server has no tool call in flight; an unsolicited request has no
// user to route to.
func (e *Elicitations) Handle(ctx context.Context, el mcp.Elicitation) (mcp.ElicitationResult, error) {
	e.mu.Lock()
	stack := e.calls[el.Server]
	var tc *trackedCall
	if len(stack) > 0 {
		tc = stack[len(stack)-1]
	}
	e.mu.Unlock()
	if tc == nil {
		return mcp.ElicitationResult{}, fmt.Errorf("server %s has no tool call in flight", el.Server)
	}

	key := ElicitationKey(tc.toolCallID)
	e.broker.Open(key)
	tc.publisher.Publish(events.ElicitationRequest{
		ToolCallID: tc.toolCallID,
		ServerName: el.Server,
		Message:    el.Message,
		Schema:     el.Schema,
	})

	// The wait is bounded by the tool call's own context: when the turn
	// is cancelled or the call times out, the server gets a cancel back.
	resp := e.broker.Await(tc.ctx, key)
	switch resp.Action {
	case ApprovalApprove:
		return mcp.ElicitationResult{Action: "accept", Content: resp.Arguments}, nil
	case ApprovalReject:
		return mcp.ElicitationResult{Action: "decline"}, nil
	default:
		return mcp.ElicitationResult{Action: "cancel"}, nil
	}
}
