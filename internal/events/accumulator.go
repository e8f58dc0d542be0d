package events

import (
	"context"
	"strings"

	"github.com/atlascore/atlas/internal/llm"
)

// StreamAndAccumulate consumes a finite token stream, forwards each
// non-empty token to the publisher, and returns the concatenated text.
//
// The first non-empty token is flagged is_first; a single empty is_last
// token closes the stream. If the source errors mid-stream or ctx is
// cancelled, no is_last token is published and the text accumulated so
// far is returned alongside the error.
//
// Concurrent calls on the same publisher are a caller error: token
// ordering is only guaranteed within one call.
func StreamAndAccumulate(ctx context.Context, tokens <-chan llm.Token, pub *Publisher) (string, error) {
	var acc strings.Builder
	first := true
	for {
		select {
		case <-ctx.Done():
			return acc.String(), ctx.Err()
		case tok, ok := <-tokens:
			if !ok {
				pub.Publish(TokenStream{IsLast: true})
				return acc.String(), nil
			}
			if tok.Err != nil {
				return acc.String(), tok.Err
			}
			if tok.Text == "" {
				continue
			}
			pub.Publish(TokenStream{Token: tok.Text, IsFirst: first})
			first = false
			acc.WriteString(tok.Text)
		}
	}
}

// EmitTokens replays an already-buffered token sequence through the
// publisher with the same framing as StreamAndAccumulate and returns
// the concatenation. Used when a response was assembled speculatively
// and only later chosen as the user-visible answer.
func EmitTokens(pub *Publisher, tokens []string) string {
	var acc strings.Builder
	first := true
	for _, t := range tokens {
		if t == "" {
			continue
		}
		pub.Publish(TokenStream{Token: t, IsFirst: first})
		first = false
		acc.WriteString(t)
	}
	pub.Publish(TokenStream{IsLast: true})
	return acc.String()
}

// EmitText publishes a single pre-formed answer as a one-token stream.
func EmitText(pub *Publisher, text string) {
	if text != "" {
		pub.Publish(TokenStream{Token: text, IsFirst: true})
	}
	pub.Publish(TokenStream{IsLast: true})
}
