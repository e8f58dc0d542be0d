package events

import (
	"context"
	"errors"
	"testing"

	"github.com/atlascore/atlas/internal/llm"
)

func tokenSource(toks ...llm.Token) <-chan llm.Token {
	ch := make(chan llm.Token, len(toks))
	for _, t := range toks {
		ch <- t
	}
	close(ch)
	return ch
}

func TestStreamAndAccumulateRoundTrip(t *testing.T) {
	pub := NewPublisher(16)
	got, err := StreamAndAccumulate(context.Background(), tokenSource(
		llm.Token{Text: "Hi"},
		llm.Token{Text: " there"},
	), pub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hi there" {
		t.Errorf("accumulated %q, want %q", got, "Hi there")
	}
	pub.Close()

	var toks []TokenStream
	for ev := range pub.Events() {
		toks = append(toks, ev.(TokenStream))
	}
	if len(toks) != 3 {
		t.Fatalf("expected 3 token events, got %d", len(toks))
	}
	if toks[0].Token != "Hi" || !toks[0].IsFirst {
		t.Errorf("first event wrong: %+v", toks[0])
	}
	if toks[1].Token != " there" || toks[1].IsFirst {
		t.Errorf("second event wrong: %+v", toks[1])
	}
	if !toks[2].IsLast || toks[2].Token != "" {
		t.Errorf("closing event wrong: %+v", toks[2])
	}
}

func TestStreamAndAccumulateEmptySequence(t *testing.T) {
	pub := NewPublisher(4)
	got, err := StreamAndAccumulate(context.Background(), tokenSource(), pub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("accumulated %q, want empty", got)
	}
	ev := <-pub.Events()
	tok := ev.(TokenStream)
	if !tok.IsLast || tok.IsFirst {
		t.Errorf("empty stream should emit only is_last, got %+v", tok)
	}
}

func TestStreamAndAccumulateErrorMidStream(t *testing.T) {
	streamErr := errors.New("connection reset")
	pub := NewPublisher(16)
	got, err := StreamAndAccumulate(context.Background(), tokenSource(
		llm.Token{Text: "partial"},
		llm.Token{Err: streamErr},
	), pub)
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if got != "partial" {
		t.Errorf("accumulated %q, want %q", got, "partial")
	}
	pub.Close()
	for ev := range pub.Events() {
		if tok, ok := ev.(TokenStream); ok && tok.IsLast {
			t.Error("is_last must not be published after a mid-stream error")
		}
	}
}

func TestStreamAndAccumulateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := NewPublisher(4)
	ch := make(chan llm.Token) // never yields
	_, err := StreamAndAccumulate(ctx, ch, pub)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmitTokensFraming(t *testing.T) {
	pub := NewPublisher(16)
	got := EmitTokens(pub, []string{"Found", " it"})
	if got != "Found it" {
		t.Errorf("accumulated %q, want %q", got, "Found it")
	}
	first := (<-pub.Events()).(TokenStream)
	if first.Token != "Found" || !first.IsFirst {
		t.Errorf("first replayed token wrong: %+v", first)
	}
}

func TestEmitTextEmptyAnswer(t *testing.T) {
	pub := NewPublisher(4)
	EmitText(pub, "")
	tok := (<-pub.Events()).(TokenStream)
	if !tok.IsLast {
		t.Errorf("empty answer should still close the stream, got %+v", tok)
	}
}
