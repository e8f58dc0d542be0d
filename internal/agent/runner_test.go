package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/llm"
	"github.com/atlascore/atlas/internal/retrieval"
	"github.com/atlascore/atlas/pkg/models"
)

type mockLLM struct {
	plainFunc func(ctx context.Context, req *llm.StreamRequest) (<-chan llm.Token, error)
	toolsFunc func(ctx context.Context, req *llm.StreamRequest) (<-chan llm.Chunk, error)
	plainHits atomic.Int32
	toolsHits atomic.Int32
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) StreamPlain(ctx context.Context, req *llm.StreamRequest) (<-chan llm.Token, error) {
	m.plainHits.Add(1)
	return m.plainFunc(ctx, req)
}

func (m *mockLLM) StreamWithTools(ctx context.Context, req *llm.StreamRequest) (<-chan llm.Chunk, error) {
	m.toolsHits.Add(1)
	return m.toolsFunc(ctx, req)
}

func tokenStream(texts ...string) <-chan llm.Token {
	ch := make(chan llm.Token, len(texts))
	for _, t := range texts {
		ch <- llm.Token{Text: t}
	}
	close(ch)
	return ch
}

func chunkStream(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func userTurn(content string) *llm.StreamRequest {
	return &llm.StreamRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: content}},
	}
}

func TestRunPlainStreamsAndAccumulates(t *testing.T) {
	provider := &mockLLM{
		plainFunc: func(_ context.Context, _ *llm.StreamRequest) (<-chan llm.Token, error) {
			return tokenStream("Hi", " there"), nil
		},
	}
	pub := events.NewPublisher(64)
	r := NewRunner(provider, pub, nil)

	text, err := r.RunPlain(context.Background(), userTurn("hello"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if text != "Hi there" {
		t.Errorf("accumulated %q, want %q", text, "Hi there")
	}

	evs := drainEvents(pub)
	if len(evs) != 3 {
		t.Fatalf("expected 3 token events, got %d", len(evs))
	}
	first := evs[0].(events.TokenStream)
	last := evs[2].(events.TokenStream)
	if !first.IsFirst || first.Token != "Hi" {
		t.Errorf("bad first frame: %+v", first)
	}
	if !last.IsLast || last.Token != "" {
		t.Errorf("bad last frame: %+v", last)
	}
}

type stubSource struct {
	queryFunc func(ctx context.Context, userEmail, sourceID string, msgs []models.Message) (*retrieval.Response, error)
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Discover(ctx context.Context, userEmail string) ([]retrieval.SourceDescriptor, error) {
	return nil, nil
}

func (s *stubSource) Query(ctx context.Context, userEmail, sourceID string, msgs []models.Message) (*retrieval.Response, error) {
	return s.queryFunc(ctx, userEmail, sourceID, msgs)
}

func TestRunRetrievalCompletionShortCircuit(t *testing.T) {
	provider := &mockLLM{
		plainFunc: func(_ context.Context, _ *llm.StreamRequest) (<-chan llm.Token, error) {
			return tokenStream("should not run"), nil
		},
	}
	source := &stubSource{queryFunc: func(_ context.Context, _, sourceID string, _ []models.Message) (*retrieval.Response, error) {
		return &retrieval.Response{SourceID: sourceID, Content: "Final answer.", IsCompletion: true}, nil
	}}
	fanout := retrieval.NewFanout([]retrieval.Provider{source}, time.Second, nil, nil, nil)
	pub := events.NewPublisher(64)
	r := NewRunner(provider, pub, nil)

	text, err := r.RunRetrieval(context.Background(), userTurn("q"), fanout, []string{"policy"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if text != "Final answer." {
		t.Errorf("text = %q", text)
	}
	if provider.plainHits.Load() != 0 {
		t.Error("completion response must bypass the model")
	}
}

func TestRunRetrievalSplicesContext(t *testing.T) {
	var sawMessages []models.Message
	provider := &mockLLM{
		plainFunc: func(_ context.Context, req *llm.StreamRequest) (<-chan llm.Token, error) {
			sawMessages = req.Messages
			return tokenStream("answer"), nil
		},
	}
	source := &stubSource{queryFunc: func(_ context.Context, _, sourceID string, _ []models.Message) (*retrieval.Response, error) {
		return &retrieval.Response{SourceID: sourceID, Content: "doc body"}, nil
	}}
	fanout := retrieval.NewFanout([]retrieval.Provider{source}, time.Second, nil, nil, nil)
	pub := events.NewPublisher(64)
	r := NewRunner(provider, pub, nil)

	req := &llm.StreamRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "earlier"},
		{Role: models.RoleAssistant, Content: "earlier reply"},
		{Role: models.RoleUser, Content: "current question"},
	}}
	if _, err := r.RunRetrieval(context.Background(), req, fanout, []string{"docs"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(sawMessages) != 4 {
		t.Fatalf("expected context message spliced in, got %d messages", len(sawMessages))
	}
	ctxMsg := sawMessages[2]
	if ctxMsg.Role != models.RoleSystem || !strings.Contains(ctxMsg.Content, "[source: docs]") {
		t.Errorf("message before the user turn should carry the context block: %+v", ctxMsg)
	}
	if sawMessages[3].Content != "current question" {
		t.Error("user turn must stay last")
	}
}

func TestRunRetrievalAllSourcesFailed(t *testing.T) {
	var sawMessages []models.Message
	provider := &mockLLM{
		plainFunc: func(_ context.Context, req *llm.StreamRequest) (<-chan llm.Token, error) {
			sawMessages = req.Messages
			return tokenStream("best effort"), nil
		},
	}
	source := &stubSource{queryFunc: func(_ context.Context, _, _ string, _ []models.Message) (*retrieval.Response, error) {
		return nil, errors.New("down")
	}}
	fanout := retrieval.NewFanout([]retrieval.Provider{source}, time.Second, nil, nil, nil)
	pub := events.NewPublisher(64)
	r := NewRunner(provider, pub, nil)

	text, err := r.RunRetrieval(context.Background(), userTurn("q"), fanout, []string{"a", "b"})
	if err != nil {
		t.Fatalf("run must degrade, not fail: %v", err)
	}
	if text != "best effort" {
		t.Errorf("text = %q", text)
	}
	found := false
	for _, m := range sawMessages {
		if m.Role == models.RoleSystem && strings.Contains(m.Content, "could not be reached") {
			found = true
		}
	}
	if !found {
		t.Error("the model should be told the sources were unreachable")
	}
}

func TestRunToolsExecutesThenAnswers(t *testing.T) {
	provider := &mockLLM{
		toolsFunc: func(_ context.Context, req *llm.StreamRequest) (<-chan llm.Chunk, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role == models.RoleTool {
				return chunkStream(
					llm.Chunk{Text: "The sum"},
					llm.Chunk{Text: " is 3."},
				), nil
			}
			return chunkStream(llm.Chunk{
				ToolCalls:    []models.ToolCall{{ID: "tc-1", Name: "calc_add", Arguments: map[string]any{"a": 1.0, "b": 2.0}}},
				FinishReason: "tool_calls",
			}), nil
		},
	}
	client := &mockClient{callFunc: func(_ context.Context, _, _ string, _ map[string]any) (string, error) {
		return "3", nil
	}}
	pub := events.NewPublisher(64)
	exec := NewExecutor(client, testFleet(), pub, NewBroker(), ExecutorOptions{})
	r := NewRunner(provider, pub, nil)

	text, intermediate, err := r.RunTools(context.Background(), userTurn("1+2?"), exec, 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if text != "The sum is 3." {
		t.Errorf("text = %q", text)
	}
	if len(intermediate) != 2 {
		t.Fatalf("expected assistant call + tool result, got %d messages", len(intermediate))
	}
	if len(intermediate[0].ToolCalls) != 1 || intermediate[1].Role != models.RoleTool {
		t.Errorf("unexpected intermediate shape: %+v", intermediate)
	}

	evs := drainEvents(pub)
	var kinds []events.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind())
	}
	// Tool events precede the token stream: the answer is only emitted
	// once the final round arrives.
	if kinds[0] != events.KindToolStart || kinds[1] != events.KindToolComplete {
		t.Errorf("tool events should come first, got %v", kinds)
	}
	if kinds[2] != events.KindTokenStream {
		t.Errorf("token stream should follow tool completion, got %v", kinds)
	}
	last := evs[len(evs)-1].(events.TokenStream)
	if !last.IsLast {
		t.Error("token stream must end with an is-last frame")
	}
}

func TestRunToolsRoundBudgetYieldsLastText(t *testing.T) {
	provider := &mockLLM{
		toolsFunc: func(_ context.Context, _ *llm.StreamRequest) (<-chan llm.Chunk, error) {
			return chunkStream(llm.Chunk{
				Text:      "still working",
				ToolCalls: []models.ToolCall{{ID: "tc", Name: "calc_slow"}},
			}), nil
		},
	}
	client := &mockClient{callFunc: func(_ context.Context, _, _ string, _ map[string]any) (string, error) {
		return "partial", nil
	}}
	pub := events.NewPublisher(256)
	exec := NewExecutor(client, testFleet(), pub, NewBroker(), ExecutorOptions{})
	r := NewRunner(provider, pub, nil)

	text, _, err := r.RunTools(context.Background(), userTurn("loop"), exec, 2)
	if err != nil {
		t.Fatalf("exhausting the round budget must not fail the turn: %v", err)
	}
	if text != "still working" {
		t.Errorf("text = %q", text)
	}
	if provider.toolsHits.Load() != 2 {
		t.Errorf("provider called %d times, want 2", provider.toolsHits.Load())
	}
}

func TestRunToolsForcedChoiceFirstRoundOnly(t *testing.T) {
	var choices []llm.ToolChoice
	provider := &mockLLM{
		toolsFunc: func(_ context.Context, req *llm.StreamRequest) (<-chan llm.Chunk, error) {
			choices = append(choices, req.ToolChoice)
			if len(choices) == 1 {
				return chunkStream(llm.Chunk{
					ToolCalls: []models.ToolCall{{ID: "tc", Name: "calc_slow"}},
				}), nil
			}
			return chunkStream(llm.Chunk{Text: "done"}), nil
		},
	}
	client := &mockClient{callFunc: func(_ context.Context, _, _ string, _ map[string]any) (string, error) {
		return "ok", nil
	}}
	pub := events.NewPublisher(64)
	exec := NewExecutor(client, testFleet(), pub, NewBroker(), ExecutorOptions{})
	r := NewRunner(provider, pub, nil)

	req := userTurn("force a tool")
	req.ToolChoice = llm.ToolChoiceRequired
	if _, _, err := r.RunTools(context.Background(), req, exec, 0); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if choices[0] != llm.ToolChoiceRequired {
		t.Errorf("first round choice = %q, want required", choices[0])
	}
	if choices[1] != llm.ToolChoiceAuto {
		t.Errorf("second round choice = %q, want auto", choices[1])
	}
}

func TestRunToolsStreamError(t *testing.T) {
	provider := &mockLLM{
		toolsFunc: func(_ context.Context, _ *llm.StreamRequest) (<-chan llm.Chunk, error) {
			return chunkStream(llm.Chunk{Err: errors.New("upstream hiccup")}), nil
		},
	}
	pub := events.NewPublisher(64)
	exec := NewExecutor(&mockClient{}, testFleet(), pub, NewBroker(), ExecutorOptions{})
	r := NewRunner(provider, pub, nil)

	if _, _, err := r.RunTools(context.Background(), userTurn("q"), exec, 0); err == nil {
		t.Fatal("stream error must surface to the caller")
	}
	for _, ev := range drainEvents(pub) {
		if ts, ok := ev.(events.TokenStream); ok && ts.IsLast {
			t.Error("a failed stream must not emit an is-last frame")
		}
	}
}
