package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/memberd/internal/membership/store"
)

// DefaultInterval is how often the scheduler triggers a run.
const DefaultInterval = 6 * time.Hour

// Runner performs one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) (*store.SyncReport, error)
}

// Scheduler triggers a Runner on a fixed interval.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
}

// NewScheduler creates a Scheduler. A non-positive interval uses DefaultInterval.
func NewScheduler(runner Runner, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, interval: interval, runOnStart: runOnStart}
}

// Run starts the scheduling loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Bool("run_on_start", s.runOnStart).Msg("Reconciliation scheduler started")

	if s.runOnStart {
		s.trigger(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled reconciliation failed")
	}
}
