package agent

import (
	"context"
	"log/slog"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/llm"
	"github.com/atlascore/atlas/internal/retrieval"
	"github.com/atlascore/atlas/pkg/models"
)

// DefaultToolRounds bounds the request/execute cycle in tools mode.
const DefaultToolRounds = 8

// Runner drives one conversation turn in a specific mode. The stream
// request it receives carries the session history; intermediate
// messages produced along the way (assistant tool calls, tool results)
// are returned so the caller can commit them to the session.
type Runner struct {
	Provider  llm.Provider
	Publisher *events.Publisher
	Logger    *slog.Logger
}

func NewRunner(provider llm.Provider, publisher *events.Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Provider: provider, Publisher: publisher, Logger: logger.With("component", "runner")}
}

// RunPlain streams a completion with no tools and no retrieval,
// emitting token events as they arrive.
func (r *Runner) RunPlain(ctx context.Context, req *llm.StreamRequest) (string, error) {
	tokens, err := r.Provider.StreamPlain(ctx, req)
	if err != nil {
		return "", err
	}
	return events.StreamAndAccumulate(ctx, tokens, r.Publisher)
}

// RunRetrieval fans out over the selected sources, then either
// short-circuits with a source-provided completion or streams a plain
// completion grounded on the merged context. When every source fails
// the turn degrades to a plain completion with a note telling the
// model the sources were unreachable.
func (r *Runner) RunRetrieval(ctx context.Context, req *llm.StreamRequest, fanout *retrieval.Fanout, sources []string) (string, error) {
	responses := fanout.Query(ctx, sources, req.UserEmail, req.Messages)

	if resp, ok := retrieval.Completion(responses); ok {
		events.EmitText(r.Publisher, resp.Content)
		return resp.Content, nil
	}

	grounded := *req
	if len(responses) > 0 {
		grounded.Messages = spliceContext(req.Messages, retrieval.ContextBlock(responses))
	} else if len(sources) > 0 {
		r.Logger.Warn("all retrieval sources failed, answering without context",
			"sources", len(sources))
		grounded.Messages = spliceContext(req.Messages,
			"The requested knowledge sources could not be reached. Answer from general knowledge and say so.")
	}
	return r.RunPlain(ctx, &grounded)
}

// RunTools drives the bounded tool cycle: stream with tools, execute
// any requested calls, feed the results back, repeat. The cycle stops
// at the first round without tool calls, whose text becomes the final
// answer; hitting the round bound makes the last round's text final
// rather than failing the turn. Text from intermediate rounds is
// buffered, never emitted.
func (r *Runner) RunTools(ctx context.Context, req *llm.StreamRequest, exec *Executor, rounds int) (string, []models.Message, error) {
	if rounds <= 0 {
		rounds = DefaultToolRounds
	}

	var intermediate []models.Message
	working := *req
	working.Messages = append([]models.Message(nil), req.Messages...)

	var text string
	var buffered []string
	for round := 0; round < rounds; round++ {
		if round > 0 {
			// A forced first call must not force every round.
			working.ToolChoice = llm.ToolChoiceAuto
		}

		var calls []models.ToolCall
		var err error
		text, buffered, calls, err = collectRound(ctx, r.Provider, &working)
		if err != nil {
			return "", intermediate, err
		}

		if len(calls) == 0 {
			events.EmitTokens(r.Publisher, buffered)
			return text, intermediate, nil
		}

		assistant := models.Message{Role: models.RoleAssistant, Content: text, ToolCalls: calls}
		working.Messages = append(working.Messages, assistant)
		intermediate = append(intermediate, assistant)

		results := exec.ExecuteMany(ctx, calls)
		for _, res := range results {
			msg := models.Message{Role: models.RoleTool, ToolCallID: res.ToolCallID, Content: res.Content}
			working.Messages = append(working.Messages, msg)
			intermediate = append(intermediate, msg)
		}
	}

	// Round budget exhausted: the last text stands as the answer.
	r.Logger.Warn("tool round budget exhausted", "rounds", rounds)
	events.EmitTokens(r.Publisher, buffered)
	return text, intermediate, nil
}

// collectRound consumes one tool-enabled stream, returning the round's
// text, its raw token buffer, and any tool calls the model requested.
func collectRound(ctx context.Context, provider llm.Provider, req *llm.StreamRequest) (string, []string, []models.ToolCall, error) {
	chunks, err := provider.StreamWithTools(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var text string
	var buffered []string
	var calls []models.ToolCall
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text, buffered, calls, nil
			}
			if chunk.Err != nil {
				return text, buffered, calls, chunk.Err
			}
			if chunk.Text != "" {
				text += chunk.Text
				buffered = append(buffered, chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
		case <-ctx.Done():
			return text, buffered, calls, ctx.Err()
		}
	}
}

// spliceContext inserts a system context message immediately before the
// final user message. The splice is per turn; the context block is
// never committed to session history.
func spliceContext(msgs []models.Message, block string) []models.Message {
	ctxMsg := models.Message{Role: models.RoleSystem, Content: block}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			out := make([]models.Message, 0, len(msgs)+1)
			out = append(out, msgs[:i]...)
			out = append(out, ctxMsg)
			out = append(out, msgs[i:]...)
			return out
		}
	}
	return append([]models.Message{ctxMsg}, msgs...)
}
