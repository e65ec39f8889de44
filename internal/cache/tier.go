package cache

import "time"

// Tier names one of the three cache categories.
type Tier string

// Cache tiers.
const (
	TierMain   Tier = "main"
	TierServer Tier = "server"
	TierQuery  Tier = "query"
)

// TierConfig sets the lifetime and size bound of a tier. Capacity <= 0 means unbounded.
type TierConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// Entry is one cached value plus bookkeeping.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
	HitCount int64
	ScopeKey string
}

// tier is a TTL- and capacity-bounded map. It is not safe for concurrent use;
// Manager serializes access.
type tier[T any] struct {
	name      Tier
	cfg       TierConfig
	entries   map[string]*Entry[T]
	hits      int64
	misses    int64
	evictions int64
}

func newTier[T any](name Tier, cfg TierConfig) *tier[T] {
	return &tier[T]{
		name:    name,
		cfg:     cfg,
		entries: make(map[string]*Entry[T]),
	}
}

func (t *tier[T]) fresh(e *Entry[T], now time.Time) bool {
	return now.Sub(e.StoredAt) <= t.cfg.TTL
}

// get returns the value if present and within TTL; expired entries are removed.
func (t *tier[T]) get(key string, now time.Time) (T, bool, bool) {
	var zero T
	e, ok := t.entries[key]
	if !ok {
		t.misses++
		return zero, false, false
	}
	if !t.fresh(e, now) {
		delete(t.entries, key)
		t.misses++
		return zero, false, true
	}
	e.HitCount++
	t.hits++
	return e.Value, true, false
}

// set inserts or replaces key, evicting the least-recently-stored entry when full.
// It returns the evicted key, if any.
func (t *tier[T]) set(key, scopeKey string, value T, now time.Time) (string, bool) {
	var evicted string
	var didEvict bool
	if _, exists := t.entries[key]; !exists && t.cfg.Capacity > 0 && len(t.entries) >= t.cfg.Capacity {
		evicted, didEvict = t.oldestKey()
		if didEvict {
			delete(t.entries, evicted)
			t.evictions++
		}
	}
	t.entries[key] = &Entry[T]{Value: value, StoredAt: now, ScopeKey: scopeKey}
	return evicted, didEvict
}

func (t *tier[T]) oldestKey() (string, bool) {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range t.entries {
		if !found || e.StoredAt.Before(oldestAt) || (e.StoredAt.Equal(oldestAt) && k < oldestKey) {
			oldestKey, oldestAt, found = k, e.StoredAt, true
		}
	}
	return oldestKey, found
}

func (t *tier[T]) purgeExpired(now time.Time) int {
	removed := 0
	for k, e := range t.entries {
		if !t.fresh(e, now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

func (t *tier[T]) deleteScope(scopeKey string) int {
	removed := 0
	for k, e := range t.entries {
		if e.ScopeKey == scopeKey {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

func (t *tier[T]) clear() {
	t.entries = make(map[string]*Entry[T])
}

func (t *tier[T]) stats() TierStats {
	var entryHits int64
	for _, e := range t.entries {
		entryHits += e.HitCount
	}
	return TierStats{
		Entries:   len(t.entries),
		Capacity:  t.cfg.Capacity,
		TTL:       t.cfg.TTL,
		Hits:      t.hits,
		Misses:    t.misses,
		Evictions: t.evictions,
		EntryHits: entryHits,
	}
}
