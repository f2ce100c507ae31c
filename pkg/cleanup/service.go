// Package cleanup provides a retention sweep for the durable stream log.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// purger is the subset of *store.Store the cleanup service depends on.
type purger interface {
	PurgeOlderThan(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

// Config controls the retention sweep.
type Config struct {
	// Retention is how long a stream_entries row is kept after it was
	// written. Rows older than this are eligible for deletion.
	Retention time.Duration
	// Interval is how often the sweep runs.
	Interval time.Duration
	// BatchSize bounds how many rows a single DELETE removes at a time.
	BatchSize int
}

// DefaultConfig returns production-ready retention defaults: a 30-day
// window, swept hourly, in batches of 5000 rows.
func DefaultConfig() Config {
	return Config{
		Retention: 30 * 24 * time.Hour,
		Interval:  time.Hour,
		BatchSize: 5000,
	}
}

// Service periodically purges stream_entries rows past their retention
// window. This operates independently of the streaming core's own
// Non-goals around long-term retention policy: the core has no opinion on
// how long data is kept, but a durable log run in production still needs
// something enforcing a retention window.
type Service struct {
	cfg    Config
	store  purger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service that purges through st according to
// cfg.
func NewService(cfg Config, st purger) *Service {
	return &Service{cfg: cfg, store: st}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"retention", s.cfg.Retention, "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.store.PurgeOlderThan(ctx, s.cfg.Retention, s.cfg.BatchSize)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention sweep purged expired stream entries", "count", count)
	}
}
