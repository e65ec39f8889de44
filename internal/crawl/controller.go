// Package crawl runs change-detection crawl cycles for leaderboard scopes.
package crawl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	"github.com/JakeFAU/leaderboard-crawler/internal/retry"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
	"github.com/JakeFAU/leaderboard-crawler/internal/validation"
)

// AlertConsecutiveFailures is raised when a scope fails more cycles in a row than allowed.
const AlertConsecutiveFailures = "crawl_consecutive_failures"

// State is a crawl cycle step.
type State string

// Cycle states.
const (
	StateIdle             State = "idle"
	StateCacheCheck       State = "cache_check"
	StateSessionOpen      State = "session_open"
	StateFirstPageFetched State = "first_page_fetched"
	StateDetectChange     State = "detect_change"
	StatePaginating       State = "paginating"
	StateCompleted        State = "completed"
	StateCommitted        State = "committed"
	StateError            State = "error"
)

// Outcome summarizes how a cycle ended.
type Outcome string

// Cycle outcomes.
const (
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeStable   Outcome = "stable"
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// Options modify one Crawl call.
type Options struct {
	// Force skips the cache check.
	Force bool
}

// Result is a finished cycle.
type Result struct {
	Snapshot leaderboard.Snapshot
	Outcome  Outcome
	Verdict  Verdict
	Attempts int
}

// SnapshotStore is the persistence collaborator.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap leaderboard.Snapshot) error
	LoadSnapshot(ctx context.Context, scope leaderboard.Scope) (leaderboard.Snapshot, bool, error)
}

// SourcePolicy gates access to the source before a session is opened.
type SourcePolicy interface {
	Check(ctx context.Context, rawURL string) error
}

// Deps are the controller's collaborators. Store, Publisher, Policy, Quarantine and
// Alerter are optional.
type Deps struct {
	Cache      *cache.Manager
	Sessions   SessionProvider
	Pages      leaderboard.PageModel
	Pipeline   *validation.Pipeline
	Quarantine validation.Quarantiner
	Store      SnapshotStore
	Publisher  leaderboard.Publisher
	Policy     SourcePolicy
	Engine     *retry.Engine
	Retry      retry.Policy
	Hasher     leaderboard.Hasher
	Clock      leaderboard.Clock
	Alerter    leaderboard.Alerter
	Logger     *zap.Logger
}

// Controller owns crawl cycles. Concurrent calls for the same scope share one cycle.
type Controller struct {
	cfg      Config
	deps     Deps
	detector *Detector
	logger   *zap.Logger
	flights  singleflight.Group

	mu       sync.Mutex
	failures map[string]int
}

// NewController wires a Controller.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("cache manager is required")
	case deps.Sessions == nil:
		return nil, errors.New("session provider is required")
	case deps.Pages == nil:
		return nil, errors.New("page model is required")
	case deps.Pipeline == nil:
		return nil, errors.New("validation pipeline is required")
	case deps.Engine == nil:
		return nil, errors.New("retry engine is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry.Retryable == nil {
		deps.Retry.Retryable = retry.IsTransient
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		detector: NewDetector(cfg.Detector),
		logger:   deps.Logger.Named("crawl"),
		failures: make(map[string]int),
	}, nil
}

// Crawl ensures a snapshot for scope, crawling the source when the cache cannot answer.
func (c *Controller) Crawl(ctx context.Context, scope leaderboard.Scope, opts Options) (Result, error) {
	key := scope.ID() + "|" + strconv.FormatBool(opts.Force)
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.crawl(context.WithoutCancel(ctx), scope, opts)
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("crawl %s: %w", scope.ID(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// ConsecutiveFailures reports the current failure streak of scope.
func (c *Controller) ConsecutiveFailures(scope leaderboard.Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[scope.ID()]
}

func (c *Controller) crawl(ctx context.Context, scope leaderboard.Scope, opts Options) (Result, error) {
	logger := c.logger.With(zap.String("scope", scope.ID()), zap.Bool("force", opts.Force))
	start := c.deps.Clock.Now()
	c.enter(logger, StateIdle)

	c.enter(logger, StateCacheCheck)
	if !opts.Force {
		if snap, ok := c.deps.Cache.GetSnapshot(scope); ok {
			telemetry.ObserveCrawlCycle(scope.ID(), string(OutcomeCacheHit))
			return Result{Snapshot: snap, Outcome: OutcomeCacheHit}, nil
		}
	}

	if c.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CycleTimeout)
		defer cancel()
	}

	res, err := c.cycle(ctx, scope, logger)
	telemetry.ObserveCrawlDuration(scope.ID(), c.deps.Clock.Now().Sub(start))
	if err != nil {
		c.enter(logger, StateError)
		telemetry.ObserveCrawlCycle(scope.ID(), string(OutcomeFailed))
		c.recordFailure(ctx, scope, logger, err)
		return Result{}, err
	}
	c.resetFailures(scope)

	c.commit(context.WithoutCancel(ctx), scope, &res, logger)
	c.enter(logger, StateCommitted)
	telemetry.ObserveCrawlCycle(scope.ID(), string(res.Outcome))
	logger.Info("crawl cycle finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("records", res.Snapshot.Len()),
		zap.Int("pages", res.Snapshot.PageCount),
		zap.Int("attempts", res.Attempts),
		zap.Float64("similarity", res.Verdict.PositionSimilarity),
	)
	return res, nil
}

func (c *Controller) cycle(ctx context.Context, scope leaderboard.Scope, logger *zap.Logger) (Result, error) {
	target, err := c.cfg.URLFor(scope)
	if err != nil {
		return Result{}, err
	}
	if c.deps.Policy != nil {
		if err := c.deps.Policy.Check(ctx, target); err != nil {
			return Result{}, err
		}
	}
	existing := c.existingSnapshot(ctx, scope, logger)

	return retry.Run(ctx, c.deps.Engine, "crawl.cycle", c.deps.Retry, func(ctx context.Context, attempt int) (Result, error) {
		res, err := c.attempt(ctx, scope, target, existing, logger.With(zap.Int("attempt", attempt)))
		res.Attempts = attempt
		return res, err
	})
}

// existingSnapshot returns the snapshot the first page is compared against: the cached
// one when present (a forced refresh skips only the cache check), else the persisted one.
func (c *Controller) existingSnapshot(ctx context.Context, scope leaderboard.Scope, logger *zap.Logger) *leaderboard.Snapshot {
	if snap, ok := c.deps.Cache.GetSnapshot(scope); ok {
		return &snap
	}
	if c.deps.Store == nil {
		return nil
	}
	snap, ok, err := c.deps.Store.LoadSnapshot(ctx, scope)
	if err != nil {
		logger.Warn("load stored snapshot", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &snap
}

func (c *Controller) attempt(
	ctx context.Context,
	scope leaderboard.Scope,
	target string,
	existing *leaderboard.Snapshot,
	logger *zap.Logger,
) (Result, error) {
	var res Result
	err := withSession(ctx, c.deps.Sessions, logger, func(s Session) error {
		c.enter(logger, StateSessionOpen)
		if err := c.step(ctx, func(ctx context.Context) error { return s.Navigate(ctx, target) }); err != nil {
			return stepError(scope, "navigate", err)
		}

		acc := newAccumulator(scope, c.deps.Clock.Now())
		content, err := c.content(ctx, s)
		if err != nil {
			return stepError(scope, "first_page", err)
		}
		if err := c.absorb(ctx, acc, content, logger); err != nil {
			return err
		}
		acc.pages = 1
		c.enter(logger, StateFirstPageFetched)

		c.enter(logger, StateDetectChange)
		verdict := c.detector.Decide(acc.records, existing, c.deps.Clock.Now())
		res.Verdict = verdict
		telemetry.SetDetectorSimilarity(scope.ID(), verdict.PositionSimilarity)
		logger.Debug("change detection",
			zap.String("reason", verdict.Reason),
			zap.Int("compared", verdict.Compared),
			zap.Float64("position_similarity", verdict.PositionSimilarity),
			zap.Float64("name_similarity", verdict.NameSimilarity),
		)
		if !verdict.Paginate {
			stable := *existing
			stable.Scope = scope
			res.Snapshot = stable.Stamped()
			res.Outcome = OutcomeStable
			return nil
		}

		c.enter(logger, StatePaginating)
		if err := c.paginate(ctx, s, acc, logger); err != nil {
			return err
		}

		c.enter(logger, StateCompleted)
		snap, err := c.finish(ctx, acc, logger)
		if err != nil {
			return err
		}
		res.Snapshot = snap
		res.Outcome = OutcomeComplete
		if snap.Partial {
			res.Outcome = OutcomePartial
		}
		return nil
	})
	return res, err
}

// paginate reveals more rows until the source stops growing. Session loss is returned
// for the retry engine; any other step failure marks the snapshot partial.
func (c *Controller) paginate(ctx context.Context, s Session, acc *accumulator, logger *zap.Logger) error {
	for acc.pages < c.cfg.MaxPages {
		before, err := c.count(ctx, s)
		if err != nil {
			return c.stopPartial(acc, "count", err, logger)
		}

		var revealed bool
		err = c.step(ctx, func(ctx context.Context) error {
			var err error
			revealed, err = s.RevealMore(ctx)
			return err
		})
		if err != nil {
			return c.stopPartial(acc, "reveal", err, logger)
		}
		if !revealed {
			logger.Debug("reveal control absent", zap.Int("pages", acc.pages))
			return nil
		}

		grew, err := c.waitForGrowth(ctx, s, before)
		if err != nil {
			return c.stopPartial(acc, "wait_growth", err, logger)
		}
		if !grew {
			logger.Debug("no growth after reveal", zap.Int("pages", acc.pages), zap.Int("rows", before))
			return nil
		}
		if err := sleepContext(ctx, c.cfg.SettleDelay); err != nil {
			return err
		}

		content, err := c.content(ctx, s)
		if err != nil {
			return c.stopPartial(acc, "content", err, logger)
		}
		if err := c.absorb(ctx, acc, content, logger); err != nil {
			return c.stopPartial(acc, "parse", err, logger)
		}
		acc.pages++
	}
	logger.Debug("max pages reached", zap.Int("pages", acc.pages))
	return nil
}

func (c *Controller) stopPartial(acc *accumulator, step string, err error, logger *zap.Logger) error {
	if errors.Is(err, leaderboard.ErrSessionClosed) {
		return stepError(acc.scope, step, err)
	}
	var perr *leaderboard.SourcePolicyError
	if errors.As(err, &perr) {
		return err
	}
	logger.Warn("pagination stopped early", zap.String("step", step), zap.Int("pages", acc.pages), zap.Error(err))
	acc.partial = true
	return nil
}

func (c *Controller) waitForGrowth(ctx context.Context, s Session, before int) (bool, error) {
	deadline := time.NewTimer(c.cfg.StepTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := c.count(ctx, s)
		if err != nil {
			return false, err
		}
		if n > before {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("wait for growth: %w", ctx.Err())
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) count(ctx context.Context, s Session) (int, error) {
	var n int
	err := c.step(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.ResultCount(ctx)
		return err
	})
	return n, err
}

func (c *Controller) content(ctx context.Context, s Session) ([]byte, error) {
	var content []byte
	err := c.step(ctx, func(ctx context.Context) error {
		var err error
		content, err = s.Content(ctx)
		return err
	})
	return content, err
}

// step runs fn under the per-step timeout.
func (c *Controller) step(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// absorb parses the full rendered content and validates the rows beyond those already seen.
func (c *Controller) absorb(ctx context.Context, acc *accumulator, content []byte, logger *zap.Logger) error {
	raws, err := c.deps.Pages.Parse(content)
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}
	if len(raws) <= acc.rawSeen {
		return nil
	}
	tail := raws[acc.rawSeen:]
	acc.rawSeen = len(raws)

	col, err := c.deps.Pipeline.ValidateAll(ctx, tail, acc.scope.ID())
	if err != nil {
		return fmt.Errorf("validate rows: %w", err)
	}
	for _, r := range col.Results {
		rec, err := validation.RecordFromFields(r.Fields, acc.scope.ID(), acc.capturedAt)
		if err == nil {
			err = validation.CheckRecord(rec)
		}
		if err != nil {
			// Rows the pipeline already quarantined keep their single ErrorRecord.
			if !r.Quarantined {
				c.quarantine(ctx, acc.scope, validation.QuarantineKind(err), r.Fields, err, logger)
			}
			acc.excluded++
			logger.Debug("row excluded from snapshot", zap.Error(err))
			continue
		}
		if r.Quarantined {
			rec.Quarantined = true
			rec.FailedFields = slices.Clone(r.FailedFields)
		}
		acc.records = append(acc.records, rec)
	}
	acc.failed += col.Failed
	return nil
}

func (c *Controller) finish(ctx context.Context, acc *accumulator, logger *zap.Logger) (leaderboard.Snapshot, error) {
	kept, rejected := validation.CheckConsistency(acc.records)
	for _, err := range rejected {
		var fe *validation.FieldError
		var payload any = err.Error()
		if errors.As(err, &fe) {
			if rec, ok := fe.Value.(leaderboard.Record); ok && rec.Quarantined {
				logger.Debug("quarantined row dropped as inconsistent", zap.Error(err))
				continue
			}
			payload = fe.Value
		}
		c.quarantine(ctx, acc.scope, quarantine.KindInconsistency, payload, err, logger)
	}

	snap := leaderboard.Snapshot{
		Scope:      acc.scope,
		Records:    kept,
		CapturedAt: acc.capturedAt,
		PageCount:  acc.pages,
		Partial:    acc.partial,
	}
	if c.deps.Hasher != nil {
		hash, err := c.deps.Hasher.Hash(canonical(kept))
		if err != nil {
			return leaderboard.Snapshot{}, fmt.Errorf("hash snapshot: %w", err)
		}
		snap.ContentHash = hash
	}
	telemetry.ObservePages(acc.scope.ID(), acc.pages)
	if acc.failed > 0 || acc.excluded > 0 || len(rejected) > 0 {
		logger.Info("records failed validation",
			zap.Int("failed", acc.failed),
			zap.Int("excluded", acc.excluded),
			zap.Int("inconsistent", len(rejected)),
		)
	}
	return snap.Stamped(), nil
}

// commit writes the snapshot to the cache and hands new content to persistence.
// Persistence and publish failures are logged only.
func (c *Controller) commit(ctx context.Context, scope leaderboard.Scope, res *Result, logger *zap.Logger) {
	c.deps.Cache.SetSnapshot(scope, res.Snapshot)
	if res.Outcome == OutcomeStable {
		return
	}
	c.deps.Cache.InvalidateScope(scope)
	if c.deps.Store != nil {
		if err := c.deps.Store.SaveSnapshot(ctx, res.Snapshot); err != nil {
			logger.Error("persist snapshot", zap.Error(err))
		}
	}
	if c.deps.Publisher != nil && c.cfg.Topic != "" {
		event := newCommitEvent(res.Snapshot, res.Outcome)
		if _, err := c.deps.Publisher.Publish(ctx, c.cfg.Topic, event); err != nil {
			logger.Warn("publish commit event", zap.Error(err))
		}
	}
}

func (c *Controller) recordFailure(ctx context.Context, scope leaderboard.Scope, logger *zap.Logger, err error) {
	c.mu.Lock()
	c.failures[scope.ID()]++
	streak := c.failures[scope.ID()]
	c.mu.Unlock()

	logger.Error("crawl cycle failed", zap.Int("consecutive_failures", streak), zap.Error(err))
	if streak > c.cfg.FailureThreshold && c.deps.Alerter != nil {
		c.deps.Alerter.Alert(AlertConsecutiveFailures, map[string]string{
			"scope":    scope.ID(),
			"failures": strconv.Itoa(streak),
			"error":    err.Error(),
		})
	}
	var perr *leaderboard.SourcePolicyError
	if errors.As(err, &perr) || errors.Is(err, context.Canceled) {
		return
	}
	c.quarantine(context.WithoutCancel(ctx), scope, quarantine.KindCrawl, map[string]string{
		"scope": scope.ID(),
		"error": err.Error(),
	}, err, logger)
}

func (c *Controller) resetFailures(scope leaderboard.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, scope.ID())
}

func (c *Controller) quarantine(ctx context.Context, scope leaderboard.Scope, kind quarantine.Kind, payload any, cause error, logger *zap.Logger) {
	if c.deps.Quarantine == nil {
		return
	}
	action := quarantine.ActionQuarantine
	if kind == quarantine.KindCrawl {
		action = quarantine.ActionRetryLater
	}
	if _, err := c.deps.Quarantine.Enqueue(ctx, quarantine.Entry{
		Kind:    kind,
		ScopeID: scope.ID(),
		Payload: payload,
		Reason:  cause.Error(),
		Action:  action,
	}); err != nil {
		logger.Warn("enqueue quarantine record", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (c *Controller) enter(logger *zap.Logger, s State) {
	logger.Debug("crawl state", zap.String("state", string(s)))
}

func stepError(scope leaderboard.Scope, step string, err error) error {
	var perr *leaderboard.SourcePolicyError
	if errors.As(err, &perr) {
		return err
	}
	return &leaderboard.CrawlError{Scope: scope.ID(), Step: step, Err: err}
}

type accumulator struct {
	scope      leaderboard.Scope
	capturedAt time.Time
	records    []leaderboard.Record
	rawSeen    int
	pages      int
	failed     int
	excluded   int
	partial    bool
}

func newAccumulator(scope leaderboard.Scope, capturedAt time.Time) *accumulator {
	return &accumulator{scope: scope, capturedAt: capturedAt}
}

func canonical(records []leaderboard.Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		fmt.Fprintf(&buf, "%d\t%s\t%s\t%s\t%d\n", r.Rank, r.CharacterName, r.ClanName, r.ClassTag, r.PowerScore)
	}
	return buf.Bytes()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
