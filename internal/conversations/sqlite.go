package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps conversations in a single SQLite file. The
// transcript is stored as a JSON payload column; listing and lookup go
// through indexed scalar columns.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_email TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_email, updated_at DESC);
`

// NewSQLiteStore opens (creating if needed) the database at path and
// runs the schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite driver serialises writes; one connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_email, title, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			payload = excluded.payload
	`, conv.ID, conv.UserEmail, conv.Title, conv.CreatedAt, conv.UpdatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id, userEmail string) (*Conversation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversations WHERE id = ? AND user_email = ?`,
		id, userEmail).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *SQLiteStore) List(ctx context.Context, userEmail string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, title, created_at, updated_at
		FROM conversations WHERE user_email = ?
		ORDER BY updated_at DESC
	`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.UserEmail, &sm.Title, &sm.CreatedAt, &sm.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id, userEmail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_email = ?`, id, userEmail)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ExportAll(ctx context.Context, userEmail string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM conversations WHERE user_email = ? ORDER BY created_at`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to export conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}
