package importer

// retention.go releases jobs nobody is going to look at again.
//
// The service itself never removes a job; every job keeps its upload in
// memory until Release. A host process may opt into the sweeper, which runs
// periodically to:
//  1. Release finished jobs once their result has been available for Finished
//  2. Cancel and release uploads left waiting for input longer than Waiting
//
// A zero duration keeps that kind of job forever. The sweeper is
// long-running and stops with its context.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention sweeper.
type RetentionConfig struct {
	Finished time.Duration // How long finished jobs are kept (0: forever)
	Waiting  time.Duration // How long a job may wait for input (0: forever)
	Interval time.Duration // How often to sweep (default: 10m)
}

const DefaultSweepInterval = 10 * time.Minute

// Enabled reports whether any kind of job expires.
func (c RetentionConfig) Enabled() bool {
	return c.Finished > 0 || c.Waiting > 0
}

// cutoffs returns the expiry times for now. A zero time matches no job.
func (c RetentionConfig) cutoffs(now time.Time) (finished, waiting time.Time) {
	if c.Finished > 0 {
		finished = now.Add(-c.Finished)
	}
	if c.Waiting > 0 {
		waiting = now.Add(-c.Waiting)
	}
	return finished, waiting
}

// StartRetentionSweeper sweeps every Interval until ctx is cancelled.
func (s *Service) StartRetentionSweeper(ctx context.Context, cfg RetentionConfig) {
	if !cfg.Enabled() {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	slog.Info("retention sweeper started",
		"finished_retention", cfg.Finished,
		"waiting_retention", cfg.Waiting,
		"interval", cfg.Interval,
	)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(time.Now(), cfg)
		}
	}
}

// Sweep releases the jobs expired at now and returns how many it released.
func (s *Service) Sweep(now time.Time, cfg RetentionConfig) int {
	start := time.Now()
	finished, waiting := cfg.cutoffs(now)

	released := 0
	for _, id := range s.registry.Expired(finished, waiting) {
		if job, ok := s.registry.Get(id); ok && job.Status == StatusWaitingForInput {
			_ = s.Cancel(id)
		}
		if err := s.Release(id); err == nil {
			released++
		}
	}

	if released > 0 {
		slog.Info("released expired import jobs",
			"released", released,
			"remaining", s.registry.Len(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return released
}
