package agent

import (
	"context"
	"testing"
	"time"
)

func TestBrokerResolveBeforeAwait(t *testing.T) {
	b := NewBroker()
	b.Open("tc-1")
	if err := b.Resolve("tc-1", ApprovalResponse{Action: ApprovalApprove}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	resp := b.Await(context.Background(), "tc-1")
	if resp.Action != ApprovalApprove {
		t.Errorf("action = %s, want approve", resp.Action)
	}
	if b.Pending("tc-1") {
		t.Error("ticket should be closed after await")
	}
}

func TestBrokerAwaitBlocksUntilResolved(t *testing.T) {
	b := NewBroker()
	b.Open("tc-2")

	done := make(chan ApprovalResponse, 1)
	go func() {
		done <- b.Await(context.Background(), "tc-2")
	}()

	select {
	case <-done:
		t.Fatal("await returned before resolve")
	case <-time.After(20 * time.Millisecond):
	}

	edited := map[string]any{"path": "/tmp/safe"}
	if err := b.Resolve("tc-2", ApprovalResponse{Action: ApprovalApprove, Arguments: edited}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Action != ApprovalApprove || resp.Arguments["path"] != "/tmp/safe" {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not return after resolve")
	}
}

func TestBrokerCancelledContext(t *testing.T) {
	b := NewBroker()
	b.Open("tc-3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := b.Await(ctx, "tc-3")
	if resp.Action != ApprovalCancel {
		t.Errorf("cancelled await should yield cancel, got %s", resp.Action)
	}
}

func TestBrokerResolveUnknownID(t *testing.T) {
	b := NewBroker()
	if err := b.Resolve("nope", ApprovalResponse{Action: ApprovalReject}); err == nil {
		t.Error("resolving an unknown ticket should error")
	}
}

func TestBrokerDoubleResolve(t *testing.T) {
	b := NewBroker()
	b.Open("tc-4")
	if err := b.Resolve("tc-4", ApprovalResponse{Action: ApprovalApprove}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := b.Resolve("tc-4", ApprovalResponse{Action: ApprovalReject}); err == nil {
		t.Error("second resolve should error")
	}
}
