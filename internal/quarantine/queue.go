package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 1000

// Entry describes a record to quarantine.
type Entry struct {
	Kind         Kind
	ScopeID      string
	Payload      any
	Reason       string
	FailedFields []string
	Action       Action
}

// RepairFunc attempts to resolve one record. On failure it may return the next action
// to plan; an empty action leaves the current one in place.
type RepairFunc func(ctx context.Context, rec ErrorRecord) (Action, error)

// ReprocessResult summarizes one reprocessing pass.
type ReprocessResult struct {
	Selected  int `json:"selected"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

// Queue owns ErrorRecord lifetimes on top of a Store.
type Queue struct {
	mu       sync.Mutex
	store    Store
	ids      leaderboard.IDGenerator
	clock    leaderboard.Clock
	capacity int
	logger   *zap.Logger
}

// NewQueue creates a Queue. capacity <= 0 selects DefaultCapacity.
func NewQueue(store Store, ids leaderboard.IDGenerator, clock leaderboard.Clock, capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:    store,
		ids:      ids,
		clock:    clock,
		capacity: capacity,
		logger:   logger.Named("quarantine"),
	}
}

// Enqueue stores a new ErrorRecord and prunes the oldest records beyond capacity.
func (q *Queue) Enqueue(ctx context.Context, entry Entry) (ErrorRecord, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return ErrorRecord{}, fmt.Errorf("marshal quarantine payload: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return ErrorRecord{}, fmt.Errorf("generate quarantine id: %w", err)
	}
	if entry.Kind == "" {
		entry.Kind = KindUnknown
	}
	if entry.Action == "" {
		entry.Action = ActionQuarantine
	}
	now := q.clock.Now()
	rec := ErrorRecord{
		ID:            id,
		Kind:          entry.Kind,
		ScopeID:       entry.ScopeID,
		Payload:       payload,
		Reason:        entry.Reason,
		FailedFields:  append([]string(nil), entry.FailedFields...),
		Action:        entry.Action,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Insert(ctx, rec); err != nil {
		return ErrorRecord{}, fmt.Errorf("insert quarantine record: %w", err)
	}
	telemetry.ObserveQuarantined(string(rec.Kind))

	count, err := q.store.Count(ctx)
	if err != nil {
		return rec, fmt.Errorf("count quarantine records: %w", err)
	}
	if over := count - q.capacity; over > 0 {
		pruned, err := q.store.DeleteOldest(ctx, over)
		if err != nil {
			return rec, fmt.Errorf("prune quarantine: %w", err)
		}
		q.logger.Warn("quarantine over capacity, pruned oldest records",
			zap.Int("pruned", pruned),
			zap.Int("capacity", q.capacity),
		)
	}
	q.logger.Debug("record quarantined",
		zap.String("id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.String("scope", rec.ScopeID),
		zap.Strings("fields", rec.FailedFields),
	)
	return rec, nil
}

// List returns records matching filter, oldest first.
func (q *Queue) List(ctx context.Context, filter Filter) ([]ErrorRecord, error) {
	recs, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list quarantine records: %w", err)
	}
	return recs, nil
}

// Len reports the number of stored records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count quarantine records: %w", err)
	}
	return n, nil
}

// Reprocess runs repair over every record planned for action. Resolved records are
// removed; failed ones keep their payload with a bumped attempt count.
func (q *Queue) Reprocess(ctx context.Context, action Action, repair RepairFunc) (ReprocessResult, error) {
	recs, err := q.store.List(ctx, Filter{Action: action})
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("select quarantine records: %w", err)
	}
	result := ReprocessResult{Selected: len(recs)}
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("reprocess quarantine: %w", err)
		}
		if rec.Action == ActionDiscard {
			if err := q.store.Delete(ctx, rec.ID); err != nil {
				errs = append(errs, fmt.Errorf("discard %s: %w", rec.ID, err))
				continue
			}
			result.Discarded++
			continue
		}

		next, repairErr := repair(ctx, rec)
		if repairErr == nil {
			if err := q.store.Delete(ctx, rec.ID); err != nil {
				errs = append(errs, fmt.Errorf("remove resolved %s: %w", rec.ID, err))
				continue
			}
			result.Resolved++
			continue
		}

		rec.Attempts++
		rec.LastError = repairErr.Error()
		rec.LastUpdatedAt = q.clock.Now()
		if next != "" {
			rec.Action = next
		}
		if err := q.store.Update(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", rec.ID, err))
			continue
		}
		result.Failed++
		q.logger.Info("quarantine repair failed",
			zap.String("id", rec.ID),
			zap.Int("attempts", rec.Attempts),
			zap.String("next_action", string(rec.Action)),
			zap.Error(repairErr),
		)
	}
	return result, errors.Join(errs...)
}
