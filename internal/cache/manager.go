// Package cache implements the tiered snapshot and derived-query cache.
package cache

import (
	"sync"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

const mainKey = leaderboard.GlobalScopeID

// Config captures the per-tier policies.
type Config struct {
	Main   TierConfig `mapstructure:"main"`
	Server TierConfig `mapstructure:"server"`
	Query  TierConfig `mapstructure:"query"`
}

// DefaultConfig returns long-lived snapshot tiers and a short-lived query tier.
func DefaultConfig() Config {
	return Config{
		Main:   TierConfig{TTL: 6 * time.Hour},
		Server: TierConfig{TTL: 6 * time.Hour, Capacity: 256},
		Query:  TierConfig{TTL: 5 * time.Minute, Capacity: 1024},
	}
}

// TierStats reports the state of one tier.
type TierStats struct {
	Entries   int           `json:"entries"`
	Capacity  int           `json:"capacity"`
	TTL       time.Duration `json:"ttl"`
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Evictions int64         `json:"evictions"`
	EntryHits int64         `json:"entry_hits"`
}

// Stats reports all tiers.
type Stats struct {
	Main   TierStats `json:"main"`
	Server TierStats `json:"server"`
	Query  TierStats `json:"query"`
}

// Manager owns every cache entry. All mutations happen under one lock, so a reader
// never observes a partially cleared cache.
type Manager struct {
	mu     sync.Mutex
	clock  leaderboard.Clock
	main   *tier[leaderboard.Snapshot]
	server *tier[leaderboard.Snapshot]
	query  *tier[leaderboard.QueryResult]
}

// New creates a Manager. The main tier is a singleton and ignores Capacity.
func New(cfg Config, clock leaderboard.Clock) *Manager {
	mainCfg := cfg.Main
	mainCfg.Capacity = 0
	return &Manager{
		clock:  clock,
		main:   newTier[leaderboard.Snapshot](TierMain, mainCfg),
		server: newTier[leaderboard.Snapshot](TierServer, cfg.Server),
		query:  newTier[leaderboard.QueryResult](TierQuery, cfg.Query),
	}
}

func (m *Manager) snapshotTier(scope leaderboard.Scope) (*tier[leaderboard.Snapshot], string) {
	if scope.IsGlobal() {
		return m.main, mainKey
	}
	return m.server, scope.ID()
}

// GetSnapshot returns the fresh snapshot for scope from the main or server tier.
func (m *Manager) GetSnapshot(scope leaderboard.Scope) (leaderboard.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, key := m.snapshotTier(scope)
	snap, ok, expired := t.get(key, m.clock.Now())
	observeLookup(t.name, ok, expired)
	return snap, ok
}

// SetSnapshot stores snap for scope, replacing any prior snapshot.
func (m *Manager) SetSnapshot(scope leaderboard.Scope, snap leaderboard.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, key := m.snapshotTier(scope)
	if _, evicted := t.set(key, scope.ID(), snap, m.clock.Now()); evicted {
		telemetry.ObserveCacheEviction(string(t.name))
	}
}

// GetQuery returns a fresh derived result keyed by its query signature.
func (m *Manager) GetQuery(signature string) (leaderboard.QueryResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok, expired := m.query.get(signature, m.clock.Now())
	observeLookup(TierQuery, ok, expired)
	return res, ok
}

// SetQuery stores a derived result. scopeKey ties it to the snapshot it came from.
func (m *Manager) SetQuery(signature, scopeKey string, res leaderboard.QueryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, evicted := m.query.set(signature, scopeKey, res, m.clock.Now()); evicted {
		telemetry.ObserveCacheEviction(string(TierQuery))
	}
}

// InvalidateScope drops derived results computed from scope's snapshot.
func (m *Manager) InvalidateScope(scope leaderboard.Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query.deleteScope(scope.ID())
}

// InvalidateAll clears every tier.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.main.clear()
	m.server.clear()
	m.query.clear()
}

// PurgeExpired removes expired entries from every tier and returns the count.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	return m.main.purgeExpired(now) + m.server.purgeExpired(now) + m.query.purgeExpired(now)
}

// Stats reports per-tier counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Main:   m.main.stats(),
		Server: m.server.stats(),
		Query:  m.query.stats(),
	}
}

func observeLookup(t Tier, hit, expired bool) {
	switch {
	case hit:
		telemetry.ObserveCacheLookup(string(t), "hit")
	case expired:
		telemetry.ObserveCacheLookup(string(t), "expired")
	default:
		telemetry.ObserveCacheLookup(string(t), "miss")
	}
}
