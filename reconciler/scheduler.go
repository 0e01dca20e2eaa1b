package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
)

const DefaultInterval = 60 * time.Second

type cycleRunner interface {
	RunCycle(ctx context.Context) (CycleResult, error)
}

// Scheduler runs reconciliation cycles one after another with a fixed pause
// in between.
type Scheduler struct {
	runner   cycleRunner
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(runner cycleRunner, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled. Cancellation is observed between cycles
// and while waiting; a running cycle is never cut short, so it gets a context
// that does not inherit ctx's cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting reconciliation loop.")
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		s.runOnce(context.WithoutCancel(ctx))
	}, s.interval)
	s.logger.Info().Msg("Reconciliation loop stopped.")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	result, err := s.runner.RunCycle(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reconciliation cycle aborted.")
		return
	}

	event := s.logger.Info()
	if result.HostsCreated+result.RulesCreated+result.HostsFailed+result.RulesFailed == 0 {
		event = s.logger.Debug()
	}
	event.
		Int("containers", result.Containers).
		Int("hosts_created", result.HostsCreated).
		Int("hosts_failed", result.HostsFailed).
		Int("rules_created", result.RulesCreated).
		Int("rules_failed", result.RulesFailed).
		Int("skipped", result.Skipped).
		Int("rejected", result.Rejected).
		Dur("took", time.Since(start)).
		Msg("Reconciliation cycle finished.")
}
