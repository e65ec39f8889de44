// Package scheduler fires periodic maintenance and refresh triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default trigger periods.
const (
	DefaultRefreshInterval = 6 * time.Hour
	DefaultCleanupInterval = 15 * time.Minute
)

// Config sets the trigger periods. A zero interval disables the trigger.
type Config struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RefreshOnStart  bool          `mapstructure:"refresh_on_start"`
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart fires the task once before the first tick.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs tasks on independent tickers. A slow run delays only its own task.
type Scheduler struct {
	tasks  []Task
	logger *zap.Logger
}

// New validates tasks and creates a Scheduler. Tasks with a zero interval are dropped.
func New(logger *zap.Logger, tasks ...Task) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		kept []Task
		errs []error
	)
	for _, t := range tasks {
		switch {
		case t.Run == nil:
			errs = append(errs, fmt.Errorf("task %q has no run func", t.Name))
		case t.Interval < 0:
			errs = append(errs, fmt.Errorf("task %q has negative interval", t.Name))
		case t.Interval == 0:
			logger.Info("periodic task disabled", zap.String("task", t.Name))
		default:
			kept = append(kept, t)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Scheduler{tasks: kept, logger: logger.Named("scheduler")}, nil
}

// Run blocks until ctx ends, firing each task on its ticker.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	logger := s.logger.With(zap.String("task", t.Name), zap.Duration("interval", t.Interval))
	logger.Info("periodic task started")
	if t.RunOnStart {
		s.fire(ctx, t, logger)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, t, logger)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t Task, logger *zap.Logger) {
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("periodic task failed", zap.Error(err))
		return
	}
	logger.Debug("periodic task finished", zap.Duration("took", time.Since(start)))
}
