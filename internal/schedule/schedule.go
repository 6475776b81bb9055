// Package schedule drives the pipeline on a fixed interval. Each tick runs
// the stages in dependency order; one stage failing never stops the stages
// behind it, since each stage reads its own queue.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

// Step is one named unit of scheduled work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageStep adapts a batch stage's Run to a Step. Scheduled runs always use
// the configured defaults.
func StageStep(name string, run func(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error)) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context) error {
			_, err := run(ctx, model.BatchOptions{TriggeredBy: model.TriggerScheduled})
			return err
		},
	}
}

// Scheduler ticks the pipeline.
type Scheduler struct {
	interval time.Duration
	steps    []Step
}

// New builds a Scheduler. Steps execute in the given order every tick.
func New(interval time.Duration, steps ...Step) *Scheduler {
	return &Scheduler{interval: interval, steps: steps}
}

// Start runs one cycle immediately, then one per interval, until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log := logging.For(logging.CategoryScheduler)
	log.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("steps", len(s.steps)))

	s.runCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	log := logging.For(logging.CategoryScheduler)
	start := time.Now()
	for _, step := range s.steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.Run(ctx); err != nil {
			log.Warn("scheduled step failed",
				zap.String("step", step.Name),
				zap.Error(err))
			continue
		}
		log.Debug("scheduled step completed", zap.String("step", step.Name))
	}
	log.Info("cycle completed", zap.Duration("elapsed", time.Since(start)))
}
