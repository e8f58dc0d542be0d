// Package conversations persists finished chat turns for sessions that
// opted into server-side history.
package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/atlascore/atlas/pkg/models"
)

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a persisted transcript owned by one user.
type Conversation struct {
	ID        string                    `json:"id"`
	UserEmail string                    `json:"user_email"`
	Title     string                    `json:"title"`
	Messages  []models.Message          `json:"messages"`
	Files     map[string]models.FileRef `json:"files,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Summary is the listing view: everything except the transcript.
type Summary struct {
	ID        string    `json:"id"`
	UserEmail string    `json:"user_email"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists conversations. Save is an upsert keyed by id. Load
// and Delete are scoped to the owning user: an id belonging to someone
// else behaves like a missing record. Delete reports whether a record
// was removed.
type Store interface {
	Save(ctx context.Context, conv *Conversation) error
	Load(ctx context.Context, id, userEmail string) (*Conversation, error)
	List(ctx context.Context, userEmail string) ([]Summary, error)
	Delete(ctx context.Context, id, userEmail string) (bool, error)
	ExportAll(ctx context.Context, userEmail string) ([]Conversation, error)
	Close() error
}
