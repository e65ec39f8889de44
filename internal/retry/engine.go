package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

// AlertRetryExhausted is raised when an operation runs out of attempts.
const AlertRetryExhausted = "retry_exhausted"

// ExhaustedError is returned once every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Engine executes operations under a Policy.
type Engine struct {
	logger  *zap.Logger
	alerter leaderboard.Alerter
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSleep overrides the inter-attempt wait (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithRand overrides the jitter source (tests).
func WithRand(r func() float64) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// WithAlerter sets the sink for exhaustion alerts.
func WithAlerter(a leaderboard.Alerter) Option {
	return func(e *Engine) {
		e.alerter = a
	}
}

// NewEngine builds an Engine.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger: logger,
		sleep:  sleepWithContext,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run calls fn until it succeeds, fails with a non-retryable error, or the policy's
// attempt budget is spent. Attempts are numbered from 1.
func Run[T any](
	ctx context.Context,
	e *Engine,
	op string,
	policy Policy,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	total := policy.TotalAttempts()
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt-1, e.rand())
			e.logger.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("%s: %w", op, err)
			}
			telemetry.ObserveRetry(op)
		}
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if !policy.retryable(err) {
			e.logger.Debug("non-retryable failure", zap.String("op", op), zap.Error(err))
			return zero, err
		}
	}

	telemetry.ObserveRetryExhausted(op)
	e.logger.Error("retry budget exhausted",
		zap.String("op", op),
		zap.Int("attempts", total),
		zap.Error(lastErr),
	)
	if e.alerter != nil {
		e.alerter.Alert(AlertRetryExhausted, map[string]string{
			"op":    op,
			"error": lastErr.Error(),
		})
	}
	return zero, &ExhaustedError{Op: op, Attempts: total, Err: lastErr}
}

// Do is Run for operations without a result.
func Do(ctx context.Context, e *Engine, op string, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	_, err := Run(ctx, e, op, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
