// Package ratelimit implements token bucket admission control keyed by caller identity and route.
package ratelimit

import (
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

const (
	// BaseCost is charged to both buckets for an ordinary request.
	BaseCost = 1
	// DefaultIdleTTL is how long a bucket may sit unused before Purge drops it.
	DefaultIdleTTL = time.Hour
)

// Dimension names an admission bucket family.
type Dimension string

// Admission dimensions.
const (
	DimensionIdentity Dimension = "identity"
	DimensionRoute    Dimension = "route"
)

// BucketConfig sets the size and refill rate of one bucket family.
type BucketConfig struct {
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// Config holds rate limiter configuration.
type Config struct {
	Identity          BucketConfig  `mapstructure:"identity"`
	Route             BucketConfig  `mapstructure:"route"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	TrustedIdentities []string      `mapstructure:"trusted_identities"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Trusted    bool
	Cost       int
	RetryAfter time.Duration
}

// Err converts a denial into a RateLimitExceeded error; it returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &leaderboard.RateLimitExceeded{RetryAfter: d.RetryAfter}
}

type bucket struct {
	limiter  *rate.Limiter
	capacity int
	refill   float64
	lastSeen time.Time
}

// tokens reports available tokens at now, already clamped to [0, capacity] by the limiter.
func (b *bucket) tokens(now time.Time) float64 {
	return math.Max(0, b.limiter.TokensAt(now))
}

// Limiter admits requests against identity and route buckets. It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	clock    leaderboard.Clock
	trusted  map[string]struct{}
	identity map[string]*bucket
	route    map[string]*bucket
}

// New creates a new Limiter.
func New(cfg Config, clock leaderboard.Clock) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedIdentities))
	for _, id := range cfg.TrustedIdentities {
		trusted[strings.TrimSpace(id)] = struct{}{}
	}
	return &Limiter{
		cfg:      cfg,
		clock:    clock,
		trusted:  trusted,
		identity: make(map[string]*bucket),
		route:    make(map[string]*bucket),
	}
}

// Cost returns the token cost of a request. Full snapshot reads double it and
// forced cache bypass doubles it again.
func Cost(fullSnapshot, bypassCache bool) int {
	cost := BaseCost
	if fullSnapshot {
		cost *= 2
	}
	if bypassCache {
		cost *= 2
	}
	return cost
}

// IsTrusted reports whether identity skips admission entirely.
func (l *Limiter) IsTrusted(identity string) bool {
	if _, ok := l.trusted[identity]; ok {
		return true
	}
	if identity == "localhost" {
		return true
	}
	ip := net.ParseIP(identity)
	return ip != nil && ip.IsLoopback()
}

// Admit takes cost tokens from both the identity and route buckets, or neither.
// A cost above a bucket's capacity is charged as that capacity: such a request
// needs a full bucket and drains it, since it could never be admitted otherwise.
func (l *Limiter) Admit(identity, route string, cost int) Decision {
	if l.IsTrusted(identity) {
		telemetry.ObserveAdmission(route, "trusted")
		return Decision{Allowed: true, Trusted: true, Cost: cost}
	}
	if cost < 1 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	idBucket := l.bucketFor(l.identity, identity, l.cfg.Identity, now)
	routeBucket := l.bucketFor(l.route, route, l.cfg.Route, now)

	var (
		denied bool
		wait   time.Duration
	)
	for _, b := range []*bucket{idBucket, routeBucket} {
		need := float64(min(cost, b.capacity))
		if avail := b.tokens(now); avail < need {
			denied = true
			wait = max(wait, retryAfter(need, avail, b.refill))
		}
	}
	if denied {
		telemetry.ObserveAdmission(route, "denied")
		return Decision{Allowed: false, Cost: cost, RetryAfter: wait}
	}

	idBucket.limiter.AllowN(now, min(cost, idBucket.capacity))
	routeBucket.limiter.AllowN(now, min(cost, routeBucket.capacity))
	telemetry.ObserveAdmission(route, "allowed")
	return Decision{Allowed: true, Cost: cost}
}

// Available reports the current token count for key in the given dimension.
// Unknown keys report a full bucket.
func (l *Limiter) Available(dim Dimension, key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, cfg := l.identity, l.cfg.Identity
	if dim == DimensionRoute {
		buckets, cfg = l.route, l.cfg.Route
	}
	b, ok := buckets[key]
	if !ok {
		return float64(cfg.Capacity)
	}
	return b.tokens(l.clock.Now())
}

// Purge drops buckets idle for longer than the configured IdleTTL and returns the count.
func (l *Limiter) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)
	removed := 0
	for _, buckets := range []map[string]*bucket{l.identity, l.route} {
		for key, b := range buckets {
			if b.lastSeen.Before(cutoff) {
				delete(buckets, key)
				removed++
			}
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.identity) + len(l.route)
}

func (l *Limiter) bucketFor(buckets map[string]*bucket, key string, cfg BucketConfig, now time.Time) *bucket {
	b, ok := buckets[key]
	if !ok {
		capacity := max(cfg.Capacity, 1)
		limit := rate.Limit(cfg.RefillPerSecond)
		if cfg.RefillPerSecond <= 0 {
			limit = rate.Inf
		}
		b = &bucket{
			limiter:  rate.NewLimiter(limit, capacity),
			capacity: capacity,
			refill:   cfg.RefillPerSecond,
		}
		buckets[key] = b
	}
	b.lastSeen = now
	return b
}

func retryAfter(cost, available, refill float64) time.Duration {
	if refill <= 0 {
		return 0
	}
	return time.Duration((cost - available) / refill * float64(time.Second))
}
