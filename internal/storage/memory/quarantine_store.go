package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

// QuarantineStore keeps ErrorRecords in insertion order.
type QuarantineStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]quarantine.ErrorRecord
}

// NewQuarantineStore constructs a QuarantineStore.
func NewQuarantineStore() *QuarantineStore {
	return &QuarantineStore{records: make(map[string]quarantine.ErrorRecord)}
}

// Insert stores a new record.
func (s *QuarantineStore) Insert(_ context.Context, rec quarantine.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("quarantine record %s already exists", rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

// Update replaces an existing record.
func (s *QuarantineStore) Update(_ context.Context, rec quarantine.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("quarantine record %s: %w", rec.ID, leaderboard.ErrNotFound)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete removes a record.
func (s *QuarantineStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("quarantine record %s: %w", id, leaderboard.ErrNotFound)
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// List returns matching records oldest first.
func (s *QuarantineStore) List(_ context.Context, filter quarantine.Filter) ([]quarantine.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]quarantine.ErrorRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		out = append(out, cloneRecord(rec))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *QuarantineStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// DeleteOldest removes up to n of the oldest records.
func (s *QuarantineStore) DeleteOldest(_ context.Context, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.order))
	for _, id := range s.order[:n] {
		delete(s.records, id)
	}
	s.order = append([]string(nil), s.order[n:]...)
	return n, nil
}

func cloneRecord(rec quarantine.ErrorRecord) quarantine.ErrorRecord {
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.FailedFields = append([]string(nil), rec.FailedFields...)
	return rec
}
