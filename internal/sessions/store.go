// Package sessions holds the active sessions and their conversation
// histories. The store hands out exclusive handles: all reads and
// writes of a session happen while its handle is held, which gives the
// one-request-per-session guarantee.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlascore/atlas/pkg/models"
)

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// DefaultMaxMessages bounds per-session history growth; older messages
// are trimmed once the limit is exceeded.
const DefaultMaxMessages = 1000

type entry struct {
	// lock is a one-slot semaphore rather than a mutex so Checkout can
	// honour context cancellation while waiting.
	lock    chan struct{}
	session *models.Session
	history []models.Message
}

// Store is the in-memory session registry. The registry map is guarded
// by mu; per-session state is guarded by that entry's lock.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	maxMessages int
	logger      *slog.Logger

	onCount func(delta int)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the per-session history bound.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCountHook registers a callback invoked with +1/-1 as sessions are
// created and evicted, used to drive the active-sessions gauge.
func WithCountHook(fn func(delta int)) Option {
	return func(s *Store) { s.onCount = fn }
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:     map[string]*entry{},
		maxMessages: DefaultMaxMessages,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout acquires the session with the given id, creating it lazily
// on first use. It blocks until the session is free or ctx is
// cancelled. The returned handle must be closed on every path out of
// the request.
func (s *Store) Checkout(ctx context.Context, id string) (*Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		now := time.Now()
		// SaveMode is left unset; the orchestrator normalises it to the
		// configured default on first use.
		e = &entry{
			lock: make(chan struct{}, 1),
			session: &models.Session{
				ID:           id,
				CreatedAt:    now,
				LastActivity: now,
			},
		}
		s.entries[id] = e
		if s.onCount != nil {
			s.onCount(1)
		}
	}
	s.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Handle{store: s, entry: e}, nil
}

// Reset clears a session's history, files, and selections. It waits for
// any in-flight request on the session to finish first. Unknown ids are
// a no-op.
func (s *Store) Reset(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.lock }()

	e.history = nil
	e.session.Files = nil
	e.session.SelectedTools = nil
	e.session.SelectedSources = nil
	e.session.PromptID = ""
	e.session.LastActivity = time.Now()
	s.logger.Info("session reset", "session_id", id)
	return nil
}

// Len reports the number of resident sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictIdle removes sessions whose last activity is older than ttl.
// Sessions currently held are skipped; eviction never runs while a
// session is in use. Returns the number of evicted sessions.
func (s *Store) EvictIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue // held by a request
		}
		if e.session.LastActivity.Before(cutoff) {
			delete(s.entries, id)
			evicted++
			if s.onCount != nil {
				s.onCount(-1)
			}
		}
		<-e.lock
	}
	if evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// Handle is an exclusively held session. All accessors below require
// the handle to be open; Close releases the per-session lock and stamps
// last activity.
type Handle struct {
	store  *Store
	entry  *entry
	closed bool
	mu     sync.Mutex
}

// Close releases the session. Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.entry.session.LastActivity = time.Now()
	<-h.entry.lock
}

// Session returns the held session for direct mutation. The pointer
// must not escape the handle's lifetime.
func (h *Handle) Session() *models.Session {
	return h.entry.session
}

// History returns a deep copy of the conversation history.
func (h *Handle) History() []models.Message {
	return models.CloneMessages(h.entry.history)
}

// HistoryLen reports the number of messages in history.
func (h *Handle) HistoryLen() int {
	return len(h.entry.history)
}

// Append adds a message to the history, filling in id and timestamp
// when absent, and trims the oldest messages past the store bound.
func (h *Handle) Append(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	h.entry.history = append(h.entry.history, msg)
	if max := h.store.maxMessages; len(h.entry.history) > max {
		excess := len(h.entry.history) - max
		h.entry.history = append([]models.Message(nil), h.entry.history[excess:]...)
	}
	return msg
}

// TruncateTo drops every message past the first n. Used to roll a
// request's history changes back to just after the user message.
func (h *Handle) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(h.entry.history) {
		h.entry.history = h.entry.history[:n]
	}
}

// ClearHistory removes every message from the session.
func (h *Handle) ClearHistory() {
	h.entry.history = nil
}
