package conversations

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/pkg/models"
)

type mockStore struct {
	saveFunc func(ctx context.Context, conv *Conversation) error
	saved    []*Conversation
}

func (m *mockStore) Save(ctx context.Context, conv *Conversation) error {
	m.saved = append(m.saved, conv)
	if m.saveFunc != nil {
		return m.saveFunc(ctx, conv)
	}
	return nil
}

func (m *mockStore) Load(ctx context.Context, id, userEmail string) (*Conversation, error) {
	return nil, ErrNotFound
}

func (m *mockStore) List(ctx context.Context, userEmail string) ([]Summary, error) {
	return nil, nil
}

func (m *mockStore) Delete(ctx context.Context, id, userEmail string) (bool, error) {
	return false, nil
}

func (m *mockStore) ExportAll(ctx context.Context, userEmail string) ([]Conversation, error) {
	return nil, nil
}

func (m *mockStore) Close() error { return nil }

func collect(pub *events.Publisher) []events.Event {
	pub.Close()
	var out []events.Event
	for ev := range pub.Events() {
		out = append(out, ev)
	}
	return out
}

func turnHistory() []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Content: "What is the refund policy?"},
		{Role: models.RoleAssistant, Content: "Thirty days."},
	}
}

func TestSaverModeNone(t *testing.T) {
	store := &mockStore{}
	pub := events.NewPublisher(8)
	s := NewSaver(store, nil)

	s.Finish(context.Background(), &models.Session{ID: "s1", SaveMode: models.SaveModeNone}, turnHistory(), pub)

	if len(store.saved) != 0 {
		t.Error("mode none must not persist")
	}
	if evs := collect(pub); len(evs) != 0 {
		t.Errorf("mode none must not emit events, got %d", len(evs))
	}
}

func TestSaverModeLocal(t *testing.T) {
	store := &mockStore{}
	pub := events.NewPublisher(8)
	s := NewSaver(store, nil)

	s.Finish(context.Background(), &models.Session{ID: "s1", SaveMode: models.SaveModeLocal}, turnHistory(), pub)

	if len(store.saved) != 0 {
		t.Error("mode local must not persist server side")
	}
	evs := collect(pub)
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	saved := evs[0].(events.ConversationSaved)
	if saved.ConversationID != "" {
		t.Errorf("local save must report an empty id, got %q", saved.ConversationID)
	}
}

func TestSaverModeServer(t *testing.T) {
	store := &mockStore{}
	pub := events.NewPublisher(8)
	s := NewSaver(store, nil)

	session := &models.Session{
		ID:         "s1",
		OwnerEmail: "u@example.com",
		SaveMode:   models.SaveModeServer,
		CreatedAt:  time.Now(),
	}
	s.Finish(context.Background(), session, turnHistory(), pub)

	if len(store.saved) != 1 {
		t.Fatalf("expected one persisted conversation, got %d", len(store.saved))
	}
	conv := store.saved[0]
	if conv.ID != "s1" || conv.UserEmail != "u@example.com" {
		t.Errorf("bad conversation identity: %+v", conv)
	}
	if conv.Title != "What is the refund policy?" {
		t.Errorf("title = %q", conv.Title)
	}

	evs := collect(pub)
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	if evs[0].(events.ConversationSaved).ConversationID != "s1" {
		t.Error("server save must report the stored id")
	}
}

func TestSaverStorageFailureIsNotFatal(t *testing.T) {
	store := &mockStore{saveFunc: func(_ context.Context, _ *Conversation) error {
		return errors.New("disk full")
	}}
	pub := events.NewPublisher(8)
	s := NewSaver(store, nil)

	s.Finish(context.Background(), &models.Session{ID: "s1", SaveMode: models.SaveModeServer}, turnHistory(), pub)

	if evs := collect(pub); len(evs) != 0 {
		t.Errorf("a failed save must not report success, got %d events", len(evs))
	}
}

func TestDeriveTitleTruncation(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	history := []models.Message{{Role: models.RoleUser, Content: string(long)}}
	title := deriveTitle(history)
	if len([]rune(title)) > maxTitleLen+1 {
		t.Errorf("title not truncated: %d chars", len(title))
	}

	if deriveTitle(nil) == "" {
		t.Error("empty history should still yield a title")
	}
}

func TestDeriveTitleTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("ü", 200)
	history := []models.Message{{Role: models.RoleUser, Content: long}}
	title := deriveTitle(history)

	if !utf8.ValidString(title) {
		t.Fatalf("truncation split a rune: %q", title)
	}
	runes := []rune(title)
	if len(runes) != maxTitleLen+1 {
		t.Errorf("title length = %d runes, want %d", len(runes), maxTitleLen+1)
	}
	for _, r := range runes[:maxTitleLen] {
		if r != 'ü' {
			t.Fatalf("unexpected rune %q in title", r)
		}
	}
}
