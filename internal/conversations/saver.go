package conversations

import (
	"context"
	"log/slog"
	"strings"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/pkg/models"
)

const maxTitleLen = 80

// Saver applies the session's save mode after a successful turn.
//
// Mode none emits nothing and persists nothing. Mode local emits a
// conversation_saved event with an empty id: the client owns
// persistence. Mode server upserts the transcript and reports the
// stored id. A storage failure is logged and swallowed so a flaky disk
// never fails a finished response.
type Saver struct {
	store  Store
	logger *slog.Logger
}

func NewSaver(store Store, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{store: store, logger: logger.With("component", "saver")}
}

// Finish runs the save step for one completed turn and publishes the
// outcome. The session id doubles as the conversation id so repeated
// turns in one session update the same record.
func (s *Saver) Finish(ctx context.Context, session *models.Session, history []models.Message, pub *events.Publisher) {
	switch session.SaveMode {
	case models.SaveModeLocal:
		pub.Publish(events.ConversationSaved{})
		return
	case models.SaveModeServer:
	default:
		// none, or a mode that never got normalised.
		return
	}

	if s.store == nil {
		s.logger.Warn("server save requested but no store is configured",
			"session_id", session.ID)
		return
	}

	conv := &Conversation{
		ID:        session.ID,
		UserEmail: session.OwnerEmail,
		Title:     deriveTitle(history),
		Messages:  history,
		Files:     session.Files,
		CreatedAt: session.CreatedAt,
	}
	if err := s.store.Save(ctx, conv); err != nil {
		s.logger.Error("failed to persist conversation",
			"session_id", session.ID,
			"error", err)
		return
	}
	pub.Publish(events.ConversationSaved{ConversationID: conv.ID})
}

// deriveTitle takes the first user message, trimmed to a listing-sized
// line.
func deriveTitle(history []models.Message) string {
	for _, msg := range history {
		if msg.Role != models.RoleUser {
			continue
		}
		title := strings.TrimSpace(msg.Content)
		if line, _, found := strings.Cut(title, "\n"); found {
			title = line
		}
		if runes := []rune(title); len(runes) > maxTitleLen {
			title = string(runes[:maxTitleLen]) + "…"
		}
		return title
	}
	return "Untitled conversation"
}
