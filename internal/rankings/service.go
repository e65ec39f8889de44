// Package rankings serves leaderboard views backed by the cache and crawl controller.
package rankings

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
	"github.com/JakeFAU/leaderboard-crawler/internal/validation"
)

// DefaultConcurrency bounds fan-out over scopes.
const DefaultConcurrency = 4

// Config lists the scopes the service knows about.
type Config struct {
	// Servers are "<region>/<server>" scopes crawled alongside the global board.
	Servers     []string `mapstructure:"servers"`
	Concurrency int      `mapstructure:"concurrency"`
}

// ScopeRefresh is the result of refreshing one scope.
type ScopeRefresh struct {
	Scope   string        `json:"scope"`
	Outcome crawl.Outcome `json:"outcome"`
	Records int           `json:"records"`
	Error   string        `json:"error,omitempty"`
}

// CleanupReport counts what Cleanup removed.
type CleanupReport struct {
	CacheEntries int `json:"cache_entries"`
	Buckets      int `json:"buckets"`
}

// Service is the read and maintenance surface over the harvester.
type Service struct {
	crawler     refresh.Crawler
	cache       *cache.Manager
	limiter     *ratelimit.Limiter
	quarantine  *quarantine.Queue
	pipeline    *validation.Pipeline
	clock       leaderboard.Clock
	logger      *zap.Logger
	scopes      []leaderboard.Scope
	concurrency int
}

// Deps are the service's collaborators. Limiter, Quarantine and Pipeline are optional.
type Deps struct {
	Crawler    refresh.Crawler
	Cache      *cache.Manager
	Limiter    *ratelimit.Limiter
	Quarantine *quarantine.Queue
	Pipeline   *validation.Pipeline
	Clock      leaderboard.Clock
	Logger     *zap.Logger
}

// New creates a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Crawler == nil || deps.Cache == nil || deps.Clock == nil {
		return nil, errors.New("rankings: crawler, cache and clock are required")
	}
	scopes := []leaderboard.Scope{leaderboard.Global()}
	seen := map[string]bool{leaderboard.GlobalScopeID: true}
	for _, raw := range cfg.Servers {
		scope, err := leaderboard.ParseScope(raw)
		if err != nil {
			return nil, fmt.Errorf("rankings.servers: %w", err)
		}
		if seen[scope.ID()] {
			continue
		}
		seen[scope.ID()] = true
		scopes = append(scopes, scope)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		crawler:     deps.Crawler,
		cache:       deps.Cache,
		limiter:     deps.Limiter,
		quarantine:  deps.Quarantine,
		pipeline:    deps.Pipeline,
		clock:       deps.Clock,
		logger:      logger.Named("rankings"),
		scopes:      scopes,
		concurrency: cfg.Concurrency,
	}, nil
}

// Scopes returns the global scope followed by the configured servers.
func (s *Service) Scopes() []leaderboard.Scope {
	return slices.Clone(s.scopes)
}

// Rankings returns the filtered view of scope, ensuring its snapshot first.
func (s *Service) Rankings(ctx context.Context, scope leaderboard.Scope, q Query) (leaderboard.QueryResult, error) {
	q = q.Normalize()
	sig := q.Signature(scope)
	if !q.Force {
		if res, ok := s.cache.GetQuery(sig); ok {
			return res, nil
		}
	}
	crawled, err := s.crawler.Crawl(ctx, scope, crawl.Options{Force: q.Force})
	if err != nil {
		return leaderboard.QueryResult{}, fmt.Errorf("rankings %s: %w", scope.ID(), err)
	}
	res := q.apply(crawled.Snapshot, s.clock.Now())
	s.cache.SetQuery(sig, scope.ID(), res)
	return res, nil
}

// Search looks q up across every scope concurrently. A scope that fails contributes
// nothing and is listed in FailedScopes.
func (s *Service) Search(ctx context.Context, q SearchQuery) (SearchResult, error) {
	if err := q.Validate(); err != nil {
		return SearchResult{}, err
	}
	var mu sync.Mutex
	out := SearchResult{Scopes: len(s.scopes), Records: []leaderboard.Record{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, scope := range s.scopes {
		g.Go(func() error {
			res, err := s.crawler.Crawl(gctx, scope, crawl.Options{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("search scope failed", zap.String("scope", scope.ID()), zap.Error(err))
				out.FailedScopes = append(out.FailedScopes, scope.ID())
				return nil
			}
			for _, r := range res.Snapshot.Records {
				if q.matches(r) {
					out.Records = append(out.Records, r)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return SearchResult{}, fmt.Errorf("search: %w", err)
	}

	slices.SortStableFunc(out.Records, func(a, b leaderboard.Record) int {
		if c := cmp.Compare(b.PowerScore, a.PowerScore); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ScopeID, b.ScopeID); c != 0 {
			return c
		}
		return cmp.Compare(a.Rank, b.Rank)
	})
	slices.Sort(out.FailedScopes)
	if q.Limit > 0 && len(out.Records) > q.Limit {
		out.Records = out.Records[:q.Limit]
	}
	return out, nil
}

// RefreshAll crawls every scope. force skips the cache check but not change detection.
// The returned error joins every scope failure.
func (s *Service) RefreshAll(ctx context.Context, force bool) ([]ScopeRefresh, error) {
	results := make([]ScopeRefresh, len(s.scopes))
	errs := make([]error, len(s.scopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, scope := range s.scopes {
		g.Go(func() error {
			results[i].Scope = scope.ID()
			res, err := s.crawler.Crawl(gctx, scope, crawl.Options{Force: force})
			if err != nil {
				results[i].Error = err.Error()
				errs[i] = fmt.Errorf("refresh %s: %w", scope.ID(), err)
				return nil
			}
			results[i].Outcome = res.Outcome
			results[i].Records = res.Snapshot.Len()
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// CacheStats reports per-tier cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// ClearCache drops every cached entry.
func (s *Service) ClearCache() {
	s.cache.InvalidateAll()
	s.logger.Info("cache cleared")
}

// Cleanup purges expired cache entries and idle rate limit buckets.
func (s *Service) Cleanup() CleanupReport {
	report := CleanupReport{CacheEntries: s.cache.PurgeExpired()}
	if s.limiter != nil {
		report.Buckets = s.limiter.Purge()
	}
	s.logger.Debug("cleanup finished",
		zap.Int("cache_entries", report.CacheEntries),
		zap.Int("buckets", report.Buckets),
	)
	return report
}

// Quarantined lists quarantine records.
func (s *Service) Quarantined(ctx context.Context, filter quarantine.Filter) ([]quarantine.ErrorRecord, error) {
	if s.quarantine == nil {
		return nil, nil
	}
	return s.quarantine.List(ctx, filter)
}

// Reprocess retries quarantined records planned for action. Crawl failures are
// re-crawled; record failures are revalidated strictly.
func (s *Service) Reprocess(ctx context.Context, action quarantine.Action) (quarantine.ReprocessResult, error) {
	if s.quarantine == nil {
		return quarantine.ReprocessResult{}, errors.New("quarantine is not configured")
	}
	return s.quarantine.Reprocess(ctx, action, s.repair)
}

func (s *Service) repair(ctx context.Context, rec quarantine.ErrorRecord) (quarantine.Action, error) {
	switch rec.Kind {
	case quarantine.KindInconsistency:
		return quarantine.ActionDiscard, errors.New("inconsistent rows are superseded by the next crawl")
	case quarantine.KindCrawl:
		scope, err := leaderboard.ParseScope(rec.ScopeID)
		if err != nil {
			return quarantine.ActionDiscard, err
		}
		if _, err := s.crawler.Crawl(ctx, scope, crawl.Options{Force: true}); err != nil {
			return quarantine.ActionRetryLater, err
		}
		return "", nil
	}
	if s.pipeline == nil {
		return "", errors.New("no validation pipeline configured")
	}
	var raw leaderboard.RawRecord
	if err := json.Unmarshal(rec.Payload, &raw); err != nil {
		return quarantine.ActionDiscard, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := s.pipeline.WithStrategy(validation.StrategyStrict).Validate(ctx, raw, rec.ScopeID); err != nil {
		return quarantine.ActionQuarantine, err
	}
	return "", nil
}
