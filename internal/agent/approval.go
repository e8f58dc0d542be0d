package agent

import (
	"context"
	"fmt"
	"sync"
)

// ApprovalAction is the user's verdict on a pending tool call.
type ApprovalAction string

const (
	ApprovalApprove ApprovalAction = "approve"
	ApprovalReject  ApprovalAction = "reject"
	ApprovalCancel  ApprovalAction = "cancel"
)

// ApprovalResponse resolves one approval ticket. Arguments, when set on
// an approval, replace the arguments the tool was originally called
// with.
type ApprovalResponse struct {
	Action    ApprovalAction
	Arguments map[string]any
	Reason    string
}

// Broker matches asynchronous approval responses to the executor
// goroutines waiting on them. Each ticket is a one-shot channel keyed
// by tool call id; Resolve is safe to call from the transport goroutine
// while the executor blocks in Await.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan ApprovalResponse
}

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]chan ApprovalResponse)}
}

// Open registers a ticket for the given id. It must be called before
// the approval request is published so a fast response cannot race the
// registration.
func (b *Broker) Open(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[id]; !exists {
		b.pending[id] = make(chan ApprovalResponse, 1)
	}
}

// Await blocks until the ticket is resolved or ctx is cancelled.
// Cancellation resolves the call as cancelled rather than erroring, so
// a dropped connection leaves a clean tool result behind.
func (b *Broker) Await(ctx context.Context, id string) ApprovalResponse {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if !ok {
		ch = make(chan ApprovalResponse, 1)
		b.pending[id] = ch
	}
	b.mu.Unlock()

	select {
	case resp := <-ch:
		b.close(id)
		return resp
	case <-ctx.Done():
		b.close(id)
		return ApprovalResponse{Action: ApprovalCancel, Reason: "request cancelled"}
	}
}

// Resolve delivers a response to the ticket with the given id. It
// returns an error when no executor is waiting on that id, which the
// transport reports back instead of silently dropping the verdict.
func (b *Broker) Resolve(id string, resp ApprovalResponse) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for id %q", id)
	}
	select {
	case ch <- resp:
		return nil
	default:
		return fmt.Errorf("approval %q already resolved", id)
	}
}

// Pending reports whether a ticket with the given id is open.
func (b *Broker) Pending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

func (b *Broker) close(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
