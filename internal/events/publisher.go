package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel depth used when the caller
// passes a non-positive buffer size.
const DefaultBuffer = 256

// Publisher is the single-subscriber sink for one request. Exactly one
// goroutine consumes Events(); producers call Publish. Terminal events
// close the publisher and later publishes become no-ops.
//
// Back-pressure: when the subscriber falls behind, non-terminal token
// events are dropped rather than blocking the producer. Terminal,
// approval, and tool-completion events are always delivered.
type Publisher struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewPublisher creates a publisher with the given subscriber buffer.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{ch: make(chan Event, buffer)}
}

// Events returns the subscriber channel. It is closed after a terminal
// event is published or Close is called.
func (p *Publisher) Events() <-chan Event {
	return p.ch
}

// Publish delivers an event to the subscriber. Publishing a terminal
// event closes the publisher. Publishing after close is a no-op.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if droppable(ev) {
		select {
		case p.ch <- ev:
		default:
			p.dropped.Add(1)
			return
		}
	} else {
		p.ch <- ev
	}
	if ev.Kind().Terminal() {
		p.closed = true
		close(p.ch)
	}
}

// Close closes the subscriber channel without a terminal event. Safe to
// call more than once and after a terminal publish.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}

// Closed reports whether a terminal event has been published or Close
// has been called.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Dropped returns the number of token events discarded under
// back-pressure.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Only in-flight token events may be shed; the closing is_last token
// frames the stream and must arrive.
func droppable(ev Event) bool {
	tok, ok := ev.(TokenStream)
	return ok && !tok.IsLast
}
