package agent

import (
	"context"
	"testing"
	"time"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/mcp"
	"github.com/atlascore/atlas/pkg/models"
)

func TestElicitationRoutedToInFlightCall(t *testing.T) {
	broker := NewBroker()
	router := NewElicitations(broker)
	pub := events.NewPublisher(64)

	untrack := router.Track(context.Background(), "files", "tc-1", pub)
	defer untrack()

	go func() {
		key := ElicitationKey("tc-1")
		for !broker.Pending(key) {
			time.Sleep(time.Millisecond)
		}
		broker.Resolve(key, ApprovalResponse{
			Action:    ApprovalApprove,
			Arguments: map[string]any{"path": "/tmp/out"},
		})
	}()

	res, err := router.Handle(context.Background(), mcp.Elicitation{
		Server:  "files",
		Message: "where should the file go?",
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != "accept" {
		t.Errorf("action = %q, want accept", res.Action)
	}
	if res.Content["path"] != "/tmp/out" {
		t.Errorf("content = %v, want the user's payload", res.Content)
	}

	evs := drainEvents(pub)
	if len(evs) != 1 {
		t.Fatalf("expected one elicitation event, got %d", len(evs))
	}
	req, ok := evs[0].(events.ElicitationRequest)
	if !ok {
		t.Fatalf("event = %T, want ElicitationRequest", evs[0])
	}
	if req.ToolCallID != "tc-1" || req.ServerName != "files" {
		t.Errorf("request addressed to %s/%s, want files/tc-1", req.ServerName, req.ToolCallID)
	}
}

func TestElicitationWithoutInFlightCall(t *testing.T) {
	router := NewElicitations(NewBroker())
	if _, err := router.Handle(context.Background(), mcp.Elicitation{Server: "files"}); err == nil {
		t.Fatal("an elicitation with no tool call in flight must be refused")
	}
}

func TestElicitationUntrackedCallNoLongerClaims(t *testing.T) {
	router := NewElicitations(NewBroker())
	pub := events.NewPublisher(64)
	untrack := router.Track(context.Background(), "files", "tc-2", pub)
	untrack()

	if _, err := router.Handle(context.Background(), mcp.Elicitation{Server: "files"}); err == nil {
		t.Fatal("a finished call must not receive elicitations")
	}
}

func TestElicitationCancelledWithTurn(t *testing.T) {
	router := NewElicitations(NewBroker())
	pub := events.NewPublisher(64)

	ctx, cancel := context.WithCancel(context.Background())
	untrack := router.Track(ctx, "files", "tc-3", pub)
	defer untrack()
	cancel()

	res, err := router.Handle(context.Background(), mcp.Elicitation{Server: "files"})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != "cancel" {
		t.Errorf("action = %q, want cancel when the turn is gone", res.Action)
	}
}

func TestElicitationNewestCallClaimsRequest(t *testing.T) {
	broker := NewBroker()
	router := NewElicitations(broker)
	pub := events.NewPublisher(64)

	older := router.Track(context.Background(), "files", "tc-old", pub)
	defer older()
	newer := router.Track(context.Background(), "files", "tc-new", pub)
	defer newer()

	go func() {
		key := ElicitationKey("tc-new")
		for !broker.Pending(key) {
			time.Sleep(time.Millisecond)
		}
		broker.Resolve(key, ApprovalResponse{Action: ApprovalReject})
	}()

	res, err := router.Handle(context.Background(), mcp.Elicitation{Server: "files"})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Action != "decline" {
		t.Errorf("action = %q, want decline from the newest call", res.Action)
	}
}

func TestExecutorRegistersCallForElicitation(t *testing.T) {
	broker := NewBroker()
	router := NewElicitations(broker)
	pub := events.NewPublisher(64)

	// The mock server raises an elicitation mid-call, the way a real
	// server would over its own transport.
	client := &mockClient{callFunc: func(ctx context.Context, server, _ string, _ map[string]any) (string, error) {
		go func() {
			key := ElicitationKey("tc-10")
			for !broker.Pending(key) {
				time.Sleep(time.Millisecond)
			}
			broker.Resolve(key, ApprovalResponse{
				Action:    ApprovalApprove,
				Arguments: map[string]any{"confirm": true},
			})
		}()
		res, err := router.Handle(ctx, mcp.Elicitation{Server: server, Message: "confirm?"})
		if err != nil {
			return "", err
		}
		if res.Content["confirm"] != true {
			return "", context.Canceled
		}
		return "confirmed", nil
	}}
	exec := NewExecutor(client, testFleet(), pub, broker, ExecutorOptions{Elicitations: router})

	res := exec.ExecuteOne(context.Background(), models.ToolCall{ID: "tc-10", Name: "calc_slow"})
	if !res.Success || res.Content != "confirmed" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := router.Handle(context.Background(), mcp.Elicitation{Server: "calc"}); err == nil {
		t.Error("the call must be unregistered once the invocation returns")
	}
}
