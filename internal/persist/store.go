// Package persist hands committed snapshots to the durable key-value backend.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/retry"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

const (
	// OperationLogKey stores the capped operation log.
	OperationLogKey = "operation_log"
	// DefaultLogCapacity bounds the operation log.
	DefaultLogCapacity = 500
)

// KV is the durable key-value backend. Get returns leaderboard.ErrNotFound for absent keys.
type KV interface {
	Put(ctx context.Context, key string, value []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
}

// Operation is one entry of the operation log.
type Operation struct {
	Op      string    `json:"op"`
	Key     string    `json:"key"`
	Records int       `json:"records,omitempty"`
	Partial bool      `json:"partial,omitempty"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Options tunes a Store.
type Options struct {
	LogCapacity int
	Policy      retry.Policy
}

// Store encodes snapshots as JSON documents keyed by scope.
type Store struct {
	kv     KV
	engine *retry.Engine
	policy retry.Policy
	clock  leaderboard.Clock
	logger *zap.Logger
	logCap int

	// logMu serializes read-modify-write of the operation log.
	logMu sync.Mutex
}

// New creates a Store. A zero Options.Policy selects retry.DefaultPolicy.
func New(kv KV, engine *retry.Engine, clock leaderboard.Clock, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.Policy.InitialDelay == 0 && opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Store{
		kv:     kv,
		engine: engine,
		policy: opts.Policy,
		clock:  clock,
		logger: logger.Named("persist"),
		logCap: opts.LogCapacity,
	}
}

// SaveSnapshot writes snap under its scope's storage key and records the operation.
func (s *Store) SaveSnapshot(ctx context.Context, snap leaderboard.Snapshot) error {
	key := snap.Scope.StorageKey()
	data, err := json.Marshal(snap)
	if err != nil {
		return &leaderboard.PersistenceError{Key: key, Err: fmt.Errorf("encode snapshot: %w", err)}
	}
	meta := map[string]string{
		"scope":        snap.Scope.ID(),
		"records":      strconv.Itoa(snap.Len()),
		"page_count":   strconv.Itoa(snap.PageCount),
		"partial":      strconv.FormatBool(snap.Partial),
		"captured_at":  snap.CapturedAt.UTC().Format(time.RFC3339Nano),
		"content_hash": snap.ContentHash,
	}

	putErr := s.put(ctx, key, data, meta)
	op := Operation{
		Op:      "save_snapshot",
		Key:     key,
		Records: snap.Len(),
		Partial: snap.Partial,
		Status:  "ok",
		At:      s.clock.Now(),
	}
	if putErr != nil {
		op.Status = "error"
		op.Error = putErr.Error()
	}
	if err := s.AppendOperation(ctx, op); err != nil {
		s.logger.Warn("append operation log", zap.String("key", key), zap.Error(err))
	}
	return putErr
}

// LoadSnapshot reads the stored snapshot for scope. ok is false when none exists.
func (s *Store) LoadSnapshot(ctx context.Context, scope leaderboard.Scope) (leaderboard.Snapshot, bool, error) {
	key := scope.StorageKey()
	data, _, err := s.kv.Get(ctx, key)
	if errors.Is(err, leaderboard.ErrNotFound) {
		telemetry.ObservePersistence("get", "miss")
		return leaderboard.Snapshot{}, false, nil
	}
	if err != nil {
		telemetry.ObservePersistence("get", "error")
		return leaderboard.Snapshot{}, false, &leaderboard.PersistenceError{Key: key, Err: err}
	}
	var snap leaderboard.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		telemetry.ObservePersistence("get", "error")
		return leaderboard.Snapshot{}, false, &leaderboard.PersistenceError{Key: key, Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	telemetry.ObservePersistence("get", "ok")
	return snap, true, nil
}

// AppendOperation adds op to the log, keeping only the newest entries up to capacity.
func (s *Store) AppendOperation(ctx context.Context, op Operation) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	ops, err := s.operations(ctx)
	if err != nil {
		return err
	}
	ops = append(ops, op)
	if over := len(ops) - s.logCap; over > 0 {
		ops = ops[over:]
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode operation log: %w", err)
	}
	return s.put(ctx, OperationLogKey, data, map[string]string{"entries": strconv.Itoa(len(ops))})
}

// Operations returns the operation log, oldest first.
func (s *Store) Operations(ctx context.Context) ([]Operation, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.operations(ctx)
}

func (s *Store) operations(ctx context.Context) ([]Operation, error) {
	data, _, err := s.kv.Get(ctx, OperationLogKey)
	if errors.Is(err, leaderboard.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &leaderboard.PersistenceError{Key: OperationLogKey, Err: err}
	}
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, &leaderboard.PersistenceError{Key: OperationLogKey, Err: fmt.Errorf("decode operation log: %w", err)}
	}
	return ops, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	err := retry.Do(ctx, s.engine, "persist.put", s.policy, func(ctx context.Context, attempt int) error {
		if err := s.kv.Put(ctx, key, data, meta); err != nil {
			s.logger.Debug("put failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		telemetry.ObservePersistence("put", "error")
		return &leaderboard.PersistenceError{Key: key, Err: err}
	}
	telemetry.ObservePersistence("put", "ok")
	return nil
}
