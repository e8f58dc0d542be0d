// Package retrieval queries external retrieval sources in parallel and
// merges their contributions. Sources are opaque query endpoints: each
// returns either raw context for the model or a fully formed completion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atlascore/atlas/pkg/models"
)

// Response is one source's contribution for a conversation.
type Response struct {
	SourceID     string         `json:"source_id"`
	Content      string         `json:"content"`
	IsCompletion bool           `json:"is_completion"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SourceDescriptor describes a discoverable source for the client UI.
type SourceDescriptor struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	Description     string `json:"description,omitempty"`
	ComplianceLevel string `json:"compliance_level,omitempty"`
}

// Provider is one retrieval backend serving a set of sources.
type Provider interface {
	Name() string
	Discover(ctx context.Context, userEmail string) ([]SourceDescriptor, error)
	Query(ctx context.Context, userEmail, sourceID string, msgs []models.Message) (*Response, error)
}

// Metrics is the subset of the observability surface the fan-out needs.
type Metrics interface {
	RecordRetrievalSource(source, status string)
}

// Fanout queries the selected sources in parallel with best-effort
// semantics: failing sources are logged and omitted, never fatal.
type Fanout struct {
	providers []Provider
	timeout   time.Duration
	enabled   func() bool
	logger    *slog.Logger
	metrics   Metrics

	mu      sync.RWMutex
	binding map[string]Provider // sourceID -> provider, learned from discovery
}

// NewFanout creates a fan-out over the given providers. enabled is the
// retrieval feature gate, consulted per call so hot reloads apply; nil
// means always on. timeout bounds each per-source query.
func NewFanout(providers []Provider, timeout time.Duration, enabled func() bool, logger *slog.Logger, metrics Metrics) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fanout{
		providers: providers,
		timeout:   timeout,
		enabled:   enabled,
		logger:    logger.With("component", "retrieval"),
		metrics:   metrics,
		binding:   map[string]Provider{},
	}
}

// Query fans out over the selected sources concurrently and returns
// the successful responses in input source order. When retrieval is
// disabled it returns nil without side effects.
func (f *Fanout) Query(ctx context.Context, sources []string, userEmail string, msgs []models.Message) []Response {
	if f.enabled != nil && !f.enabled() {
		return nil
	}
	if len(sources) == 0 {
		return nil
	}

	results := make([]*Response, len(sources))
	var wg sync.WaitGroup
	for i, sourceID := range sources {
		wg.Add(1)
		go func(idx int, sourceID string) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			resp, err := f.queryOne(qctx, userEmail, sourceID, msgs)
			if err != nil {
				status := "error"
				if qctx.Err() == context.DeadlineExceeded {
					status = "timeout"
				}
				if f.metrics != nil {
					f.metrics.RecordRetrievalSource(sourceID, status)
				}
				f.logger.Warn("retrieval source failed",
					"source", sourceID,
					"error", err)
				return
			}
			if f.metrics != nil {
				f.metrics.RecordRetrievalSource(sourceID, "ok")
			}
			results[idx] = resp
		}(i, sourceID)
	}
	wg.Wait()

	out := make([]Response, 0, len(sources))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (f *Fanout) queryOne(ctx context.Context, userEmail, sourceID string, msgs []models.Message) (*Response, error) {
	if p := f.boundProvider(sourceID); p != nil {
		return p.Query(ctx, userEmail, sourceID, msgs)
	}

	// No binding known; try the providers in order and remember the
	// first one that serves the source.
	var lastErr error
	for _, p := range f.providers {
		resp, err := p.Query(ctx, userEmail, sourceID, msgs)
		if err != nil {
			lastErr = err
			continue
		}
		f.bind(sourceID, p)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider serves source %q", sourceID)
	}
	return nil, lastErr
}

// Discover enumerates sources across all providers. Failures are
// isolated per provider; a dead backend hides only its own sources.
// When retrieval is disabled it returns an empty list.
func (f *Fanout) Discover(ctx context.Context, userEmail string) []SourceDescriptor {
	if f.enabled != nil && !f.enabled() {
		return nil
	}

	var out []SourceDescriptor
	for _, p := range f.providers {
		descs, err := p.Discover(ctx, userEmail)
		if err != nil {
			f.logger.Warn("source discovery failed",
				"provider", p.Name(),
				"error", err)
			continue
		}
		for _, desc := range descs {
			if desc.ID == "" {
				continue
			}
			f.bind(desc.ID, p)
			out = append(out, desc)
		}
	}
	return out
}

func (f *Fanout) boundProvider(sourceID string) Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.binding[sourceID]
}

func (f *Fanout) bind(sourceID string, p Provider) {
	f.mu.Lock()
	f.binding[sourceID] = p
	f.mu.Unlock()
}

// ContextBlock concatenates responses into a single system context
// message body, labelled per source, preserving input order.
func ContextBlock(responses []Response) string {
	var b strings.Builder
	for i, r := range responses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[source: %s]\n%s", r.SourceID, r.Content)
	}
	return b.String()
}

// Completion reports whether the response set short-circuits the LLM
// call: exactly one response carrying the is-completion flag.
func Completion(responses []Response) (Response, bool) {
	if len(responses) == 1 && responses[0].IsCompletion {
		return responses[0], true
	}
	return Response{}, false
}
