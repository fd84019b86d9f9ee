// Package scheduler runs periodic context maintenance
package scheduler

import (
	"context"
	"time"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/internal/logger"
	"github.com/nainya/convmemory/pkg/summarizer"
)

// Maintainer is the store surface the scheduler drives
type Maintainer interface {
	CleanupExpiredContexts(ctx context.Context) (int, error)
	OptimizeStorage(ctx context.Context) (summarizer.OptimizationReport, error)
}

// Config holds job intervals; a zero interval disables the job
type Config struct {
	CleanupInterval  time.Duration
	OptimizeInterval time.Duration
}

// Scheduler triggers cleanup and optimization on fixed intervals
type Scheduler struct {
	config Config
	target Maintainer
	clock  clock.Clock
	log    *logger.Logger
}

// New creates a Scheduler
func New(cfg Config, target Maintainer, clk clock.Clock, log *logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{config: cfg, target: target, clock: clk, log: log}
}

// Run blocks until ctx is done. Job failures are logged and the job is
// retried on its next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	cleanup := s.after(s.config.CleanupInterval)
	optimize := s.after(s.config.OptimizeInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cleanup:
			if _, err := s.target.CleanupExpiredContexts(ctx); err != nil {
				s.log.Error().Err(err).Str("job", "cleanup").Msg("Scheduled maintenance failed")
			}
			cleanup = s.after(s.config.CleanupInterval)

		case <-optimize:
			if _, err := s.target.OptimizeStorage(ctx); err != nil {
				s.log.Error().Err(err).Str("job", "optimize").Msg("Scheduled maintenance failed")
			}
			optimize = s.after(s.config.OptimizeInterval)
		}
	}
}

// after returns nil for disabled jobs so their select case never fires
func (s *Scheduler) after(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return s.clock.After(d)
}
