// Package dispatcher manages worker fan-out over the refresh queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
	"github.com/JakeFAU/leaderboard-crawler/internal/worker"
)

// Dispatcher fans out queued refresh requests to a pool of workers.
type Dispatcher struct {
	queue    refresh.Queue
	workers  []*worker.Worker
	ids      leaderboard.IDGenerator
	clock    leaderboard.Clock
	recorder refresh.Recorder
}

// New creates a Dispatcher. recorder may be nil.
func New(
	queue refresh.Queue,
	workers []*worker.Worker,
	ids leaderboard.IDGenerator,
	clock leaderboard.Clock,
	recorder refresh.Recorder,
) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		ids:      ids,
		clock:    clock,
		recorder: recorder,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit queues a refresh of scope and returns the queued request.
func (d *Dispatcher) Submit(ctx context.Context, scope leaderboard.Scope, force bool, source string) (refresh.Request, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return refresh.Request{}, fmt.Errorf("request id: %w", err)
	}
	req := refresh.Request{
		ID:         id,
		Scope:      scope,
		Force:      force,
		Source:     source,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return refresh.Request{}, fmt.Errorf("queue enqueue: %w", err)
	}
	if d.recorder != nil {
		d.recorder.Record(refresh.Outcome{Request: req, Status: refresh.StatusQueued})
	}
	return req, nil
}

// SubmitAll queues one request per scope. It stops at the first enqueue failure.
func (d *Dispatcher) SubmitAll(ctx context.Context, scopes []leaderboard.Scope, force bool, source string) ([]refresh.Request, error) {
	reqs := make([]refresh.Request, 0, len(scopes))
	for _, scope := range scopes {
		req, err := d.Submit(ctx, scope, force, source)
		if err != nil {
			return reqs, errors.Join(err, fmt.Errorf("submitted %d of %d scopes", len(reqs), len(scopes)))
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
