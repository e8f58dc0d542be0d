package sessions

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Evictor sweeps the store for idle sessions on a fixed interval.
type Evictor struct {
	cron  *cron.Cron
	store *Store
	ttl   time.Duration
}

// NewEvictor schedules EvictIdle every interval. Call Start to begin
// sweeping and Stop on shutdown.
func NewEvictor(store *Store, interval, ttl time.Duration, logger *slog.Logger) (*Evictor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	e := &Evictor{cron: c, store: store, ttl: ttl}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, func() {
		n := store.EvictIdle(ttl)
		if n > 0 {
			logger.Debug("idle sweep complete", "evicted", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule idle sweep: %w", err)
	}
	return e, nil
}

// Start begins the sweep schedule.
func (e *Evictor) Start() {
	e.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (e *Evictor) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}
