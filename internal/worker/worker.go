// Package worker consumes refresh requests and runs crawl cycles for them.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

// Worker consumes queue items and executes crawl cycles.
type Worker struct {
	id       int
	queue    refresh.Queue
	crawler  refresh.Crawler
	recorder refresh.Recorder
	clock    leaderboard.Clock
	logger   *zap.Logger
}

// New constructs a Worker. recorder may be nil.
func New(
	id int,
	queue refresh.Queue,
	crawler refresh.Crawler,
	recorder refresh.Recorder,
	clock leaderboard.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		crawler:  crawler,
		recorder: recorder,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue dequeue failed; stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued refresh", zap.String("request_id", req.ID), zap.String("scope", req.Scope.ID()))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req refresh.Request) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	outcome := refresh.Outcome{Request: req, Status: refresh.StatusRunning, StartedAt: w.clock.Now()}
	w.record(outcome)

	res, err := w.crawler.Crawl(ctx, req.Scope, crawl.Options{Force: req.Force})
	outcome.FinishedAt = w.clock.Now()
	switch {
	case err == nil:
		outcome.Status = refresh.StatusSucceeded
		outcome.Result = res.Outcome
		outcome.Records = res.Snapshot.Len()
		w.logger.Info("refresh finished",
			zap.String("request_id", req.ID),
			zap.String("scope", req.Scope.ID()),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("records", outcome.Records),
		)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		outcome.Status = refresh.StatusCanceled
		outcome.Error = err.Error()
	default:
		outcome.Status = refresh.StatusFailed
		outcome.Error = err.Error()
		w.logger.Error("refresh failed",
			zap.String("request_id", req.ID),
			zap.String("scope", req.Scope.ID()),
			zap.Error(err),
		)
	}
	w.record(outcome)
}

func (w *Worker) record(o refresh.Outcome) {
	if w.recorder != nil {
		w.recorder.Record(o)
	}
}
