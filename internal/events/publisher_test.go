package events

import (
	"testing"
	"time"
)

func drain(p *Publisher) []Event {
	var out []Event
	for ev := range p.Events() {
		out = append(out, ev)
	}
	return out
}

func TestPublisherTerminalCloses(t *testing.T) {
	p := NewPublisher(8)
	p.Publish(TokenStream{Token: "hi", IsFirst: true})
	p.Publish(ChatResponse{Content: "hi"})

	// Past the terminal event this must be a no-op, not a panic.
	p.Publish(TokenStream{Token: "late"})

	got := drain(p)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].Kind() != KindChatResponse {
		t.Errorf("expected terminal chat_response, got %s", got[1].Kind())
	}
	if !p.Closed() {
		t.Error("publisher should be closed after terminal event")
	}
}

func TestPublisherCloseIdempotent(t *testing.T) {
	p := NewPublisher(1)
	p.Close()
	p.Close()
	p.Publish(Error{Message: "ignored"})
	if got := drain(p); len(got) != 0 {
		t.Fatalf("expected no events after close, got %d", len(got))
	}
}

func TestPublisherDropsTokensUnderBackpressure(t *testing.T) {
	p := NewPublisher(1)
	p.Publish(TokenStream{Token: "a", IsFirst: true})
	for i := 0; i < 10; i++ {
		p.Publish(TokenStream{Token: "x"})
	}
	if p.Dropped() == 0 {
		t.Error("expected dropped tokens with a full buffer")
	}

	// A must-deliver event blocks instead of being shed; make room first.
	done := make(chan struct{})
	go func() {
		p.Publish(ToolComplete{ToolCallID: "t1", Success: true})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("tool_complete should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	<-p.Events() // free one slot
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tool_complete was never delivered")
	}
}

func TestPublisherNeverDropsLastToken(t *testing.T) {
	p := NewPublisher(1)
	p.Publish(TokenStream{Token: "a", IsFirst: true}) // fills buffer

	delivered := make(chan struct{})
	go func() {
		p.Publish(TokenStream{IsLast: true})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("is_last token must not be dropped while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}
	<-p.Events()
	<-delivered
	if p.Dropped() != 0 {
		t.Errorf("is_last token counted as dropped: %d", p.Dropped())
	}
}
