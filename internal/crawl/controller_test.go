package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/hash/sha256"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/persist"
	pubmemory "github.com/JakeFAU/leaderboard-crawler/internal/publisher/memory"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	"github.com/JakeFAU/leaderboard-crawler/internal/retry"
	"github.com/JakeFAU/leaderboard-crawler/internal/storage/memory"
	"github.com/JakeFAU/leaderboard-crawler/internal/validation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n), nil
}

type recordingAlerter struct {
	mu    sync.Mutex
	names []string
}

func (a *recordingAlerter) Alert(name string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
}

func (a *recordingAlerter) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, got := range a.names {
		if got == name {
			n++
		}
	}
	return n
}

// jsonPages decodes the fake session's content.
type jsonPages struct{}

func (jsonPages) Parse(content []byte) ([]leaderboard.RawRecord, error) {
	var rows []leaderboard.RawRecord
	if err := json.Unmarshal(content, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// fakeSession reveals pageSize rows at a time.
type fakeSession struct {
	rows        []leaderboard.RawRecord
	pageSize    int
	visible     int
	navigateErr error
	revealErrAt int
	revealErr   error

	reveals int
	closed  bool
}

func (s *fakeSession) Navigate(context.Context, string) error {
	if s.navigateErr != nil {
		return s.navigateErr
	}
	s.visible = min(s.pageSize, len(s.rows))
	return nil
}

func (s *fakeSession) Content(context.Context) ([]byte, error) {
	return json.Marshal(s.rows[:s.visible])
}

func (s *fakeSession) ResultCount(context.Context) (int, error) {
	return s.visible, nil
}

func (s *fakeSession) RevealMore(context.Context) (bool, error) {
	s.reveals++
	if s.revealErr != nil && s.reveals == s.revealErrAt {
		return false, s.revealErr
	}
	if s.visible >= len(s.rows) {
		return false, nil
	}
	s.visible = min(s.visible+s.pageSize, len(s.rows))
	return true, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	acquireErr error
	handed     []*fakeSession
}

func (p *fakeProvider) Acquire(context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	if len(p.sessions) == 0 {
		return nil, errors.New("no session scripted")
	}
	s := p.sessions[0]
	p.sessions = p.sessions[1:]
	p.handed = append(p.handed, s)
	return s, nil
}

func (p *fakeProvider) allReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.handed {
		if !s.closed {
			return false
		}
	}
	return true
}

type denyPolicy struct{}

func (denyPolicy) Check(_ context.Context, rawURL string) error {
	return &leaderboard.SourcePolicyError{URL: rawURL, Reason: "disallowed by robots.txt"}
}

type harness struct {
	ctrl      *Controller
	provider  *fakeProvider
	cache     *cache.Manager
	store     *persist.Store
	publisher *pubmemory.Publisher
	queue     *quarantine.Queue
	alerter   *recordingAlerter
	clock     *fakeClock
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clk := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	engine := retry.NewEngine(zap.NewNop(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	queue := quarantine.NewQueue(memory.NewQuarantineStore(), &seqIDs{}, clk, 100, nil)
	h := &harness{
		provider:  &fakeProvider{},
		cache:     cache.New(cache.DefaultConfig(), clk),
		store:     persist.New(memory.NewKVStore(), engine, clk, nil, persist.Options{}),
		publisher: pubmemory.New(),
		queue:     queue,
		alerter:   &recordingAlerter{},
		clock:     clk,
	}

	cfg := DefaultConfig()
	cfg.GlobalURL = "https://ranks.example.test/global"
	cfg.ServerURLTemplate = "https://ranks.example.test/{region}/{server}"
	cfg.StepTimeout = 200 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.SettleDelay = 0
	deps := Deps{
		Cache:      h.cache,
		Sessions:   h.provider,
		Pages:      jsonPages{},
		Pipeline:   validation.NewPipeline(validation.LeaderboardSchema(), validation.StrategyRepair, queue, nil),
		Quarantine: queue,
		Store:      h.store,
		Publisher:  h.publisher,
		Engine:     engine,
		Retry:      retry.Policy{MaxAttempts: 2, Retryable: retry.IsTransient},
		Hasher:     sha256.New(),
		Clock:      clk,
		Alerter:    h.alerter,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	ctrl, err := NewController(cfg, deps)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func rawRows(prefix string, from, n int) []leaderboard.RawRecord {
	rows := make([]leaderboard.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		rank := from + i
		rows = append(rows, leaderboard.RawRecord{
			leaderboard.FieldRank:          rank,
			leaderboard.FieldCharacterName: fmt.Sprintf("%s%03d", prefix, rank),
			leaderboard.FieldClanName:      "Dawn",
			leaderboard.FieldClassTag:      "warrior",
			leaderboard.FieldPowerScore:    100000 - rank,
		})
	}
	return rows
}

func (h *harness) seedStored(t *testing.T, scope leaderboard.Scope, records []leaderboard.Record, capturedAt time.Time) {
	t.Helper()
	snap := leaderboard.Snapshot{Scope: scope, Records: records, CapturedAt: capturedAt, PageCount: 1}
	require.NoError(t, h.store.SaveSnapshot(context.Background(), snap.Stamped()))
}

func TestCrawlIdenticalFirstPageSkipsPagination(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	captured := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	h.cache.SetSnapshot(leaderboard.Global(), leaderboard.Snapshot{
		Records:    rankedRecords("hero", 1, 100),
		CapturedAt: captured,
		PageCount:  5,
	})
	sess := &fakeSession{rows: rawRows("hero", 1, 100), pageSize: 20}
	h.provider.sessions = []*fakeSession{sess}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStable, res.Outcome)
	assert.InDelta(t, 1.0, res.Verdict.PositionSimilarity, 1e-9)
	assert.Zero(t, sess.reveals)
	assert.Equal(t, 100, res.Snapshot.Len())
	assert.True(t, captured.Equal(res.Snapshot.CapturedAt))
	assert.Empty(t, h.publisher.Messages(), "stable snapshots are not republished")
	assert.True(t, h.provider.allReleased())
}

func TestCrawlDisjointFirstPagePaginatesToTheEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedStored(t, leaderboard.Global(), rankedRecords("hero", 1, 60), h.clock.Now().Add(-time.Hour))
	sess := &fakeSession{rows: rawRows("rookie", 1, 60), pageSize: 20}
	h.provider.sessions = []*fakeSession{sess}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Zero(t, res.Verdict.PositionSimilarity)
	assert.Equal(t, ReasonChanged, res.Verdict.Reason)
	assert.Equal(t, 60, res.Snapshot.Len())
	assert.Equal(t, 3, res.Snapshot.PageCount)
	assert.False(t, res.Snapshot.Partial)
	assert.NotEmpty(t, res.Snapshot.ContentHash)
	require.NoError(t, res.Snapshot.CheckOrder())
	for _, r := range res.Snapshot.Records {
		assert.Equal(t, leaderboard.GlobalScopeID, r.ScopeID)
		assert.True(t, h.clock.Now().Equal(r.CapturedAt))
	}

	stored, ok, err := h.store.LoadSnapshot(context.Background(), leaderboard.Global())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 60, stored.Len())
	assert.Equal(t, "rookie001", stored.Records[0].CharacterName)

	msgs := h.publisher.ByTopic(DefaultConfig().Topic)
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(CommitEvent)
	require.True(t, ok)
	assert.Equal(t, 60, event.Records)
	assert.Equal(t, OutcomeComplete, event.Outcome)

	cached, ok := h.cache.GetSnapshot(leaderboard.Global())
	require.True(t, ok)
	assert.Equal(t, res.Snapshot.ContentHash, cached.ContentHash)
	assert.True(t, h.provider.allReleased())
}

func TestCrawlServerScopeReusesStoredSnapshotWhenStable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scope := leaderboard.NewScope("eu", "eu011")
	captured := time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)
	h.seedStored(t, scope, rankedRecords("hero", 1, 100), captured)

	rows := rawRows("hero", 1, 100)
	for i := 85; i < 100; i++ {
		rows[i][leaderboard.FieldCharacterName] = fmt.Sprintf("rookie%03d", i+1)
	}
	sess := &fakeSession{rows: rows, pageSize: 100}
	h.provider.sessions = []*fakeSession{sess}

	res, err := h.ctrl.Crawl(context.Background(), scope, Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStable, res.Outcome)
	assert.InDelta(t, 0.85, res.Verdict.PositionSimilarity, 1e-9)
	assert.Equal(t, 100, res.Snapshot.Len())
	assert.True(t, captured.Equal(res.Snapshot.CapturedAt))
	assert.Equal(t, "EU/EU011", res.Snapshot.Records[99].ScopeID)
	assert.Equal(t, "hero100", res.Snapshot.Records[99].CharacterName)

	cached, ok := h.cache.GetSnapshot(scope)
	require.True(t, ok)
	assert.True(t, captured.Equal(cached.CapturedAt))
}

func TestCrawlCacheHitOpensNoSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cache.SetSnapshot(leaderboard.Global(), leaderboard.Snapshot{Records: rankedRecords("hero", 1, 3)})

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Empty(t, h.provider.handed)
}

func TestCrawlRestartsCycleWhenSessionCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	broken := &fakeSession{rows: rawRows("hero", 1, 10), pageSize: 10, navigateErr: leaderboard.ErrSessionClosed}
	healthy := &fakeSession{rows: rawRows("hero", 1, 10), pageSize: 10}
	h.provider.sessions = []*fakeSession{broken, healthy}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 10, res.Snapshot.Len())
	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
}

func TestCrawlStepFailureYieldsPartialSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sess := &fakeSession{
		rows:        rawRows("hero", 1, 60),
		pageSize:    20,
		revealErrAt: 2,
		revealErr:   errors.New("evaluate: reveal script threw"),
	}
	h.provider.sessions = []*fakeSession{sess}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.True(t, res.Snapshot.Partial)
	assert.Equal(t, 40, res.Snapshot.Len())
	assert.Equal(t, 2, res.Snapshot.PageCount)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, sess.closed)
}

func TestCrawlResetWindowForcesPagination(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Detector.ResetWindow = ResetWindow{Enabled: true, Hour: 11, Minute: 30, Duration: time.Hour, Timezone: "UTC"}
	})
	h.cache.SetSnapshot(leaderboard.Global(), leaderboard.Snapshot{Records: rankedRecords("hero", 1, 40)})
	sess := &fakeSession{rows: rawRows("hero", 1, 40), pageSize: 20}
	h.provider.sessions = []*fakeSession{sess}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ReasonResetWindow, res.Verdict.Reason)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, res.Snapshot.PageCount)
}

func TestCrawlRobotsDisallowIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Policy = denyPolicy{}
	})

	_, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	var perr *leaderboard.SourcePolicyError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, h.provider.handed)

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCrawlAlertsAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Retry = retry.Policy{MaxAttempts: 0, Retryable: retry.IsTransient}
	})
	h.provider.acquireErr = errors.New("dial tcp: connection refused")

	for i := 1; i <= 3; i++ {
		_, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
		require.Error(t, err)
		assert.Equal(t, i, h.ctrl.ConsecutiveFailures(leaderboard.Global()))
	}
	assert.Equal(t, 1, h.alerter.count(AlertConsecutiveFailures))

	recs, err := h.queue.List(context.Background(), quarantine.Filter{Kind: quarantine.KindCrawl})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, quarantine.ActionRetryLater, recs[0].Action)

	h.provider.acquireErr = nil
	h.provider.sessions = []*fakeSession{{rows: rawRows("hero", 1, 5), pageSize: 5}}
	_, err = h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	assert.Zero(t, h.ctrl.ConsecutiveFailures(leaderboard.Global()))
}

func TestCrawlQuarantinesOutOfOrderRanks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rows := rawRows("hero", 1, 5)
	rows[3][leaderboard.FieldRank] = 2
	h.provider.sessions = []*fakeSession{{rows: rows, pageSize: 5}}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Snapshot.Len())
	require.NoError(t, res.Snapshot.CheckOrder())

	recs, err := h.queue.List(context.Background(), quarantine.Filter{Kind: quarantine.KindInconsistency})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCrawlKeepsRowsMissingRequiredFieldsOutOfSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rows := rawRows("hero", 1, 5)
	delete(rows[1], leaderboard.FieldCharacterName)
	delete(rows[3], leaderboard.FieldRank)
	h.provider.sessions = []*fakeSession{{rows: rows, pageSize: 5}}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)

	require.Equal(t, 3, res.Snapshot.Len())
	ranks := make([]int, 0, 3)
	for _, r := range res.Snapshot.Records {
		assert.NotEmpty(t, r.CharacterName)
		ranks = append(ranks, r.Rank)
	}
	assert.Equal(t, []int{1, 3, 5}, ranks)

	recs, err := h.queue.List(context.Background(), quarantine.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2, "one error record per failing row")
	for _, rec := range recs {
		assert.Equal(t, quarantine.KindMissingField, rec.Kind)
	}
}

func TestCrawlFlagsRecordsAdmittedThroughQuarantine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rows := rawRows("hero", 1, 4)
	rows[2][leaderboard.FieldPowerScore] = "n/a"
	h.provider.sessions = []*fakeSession{{rows: rows, pageSize: 4}}

	res, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, res.Snapshot.Len())

	flagged := res.Snapshot.Records[2]
	assert.True(t, flagged.Quarantined)
	assert.Equal(t, []string{leaderboard.FieldPowerScore}, flagged.FailedFields)
	assert.Zero(t, flagged.PowerScore)
	assert.False(t, res.Snapshot.Records[1].Quarantined)
	assert.Empty(t, res.Snapshot.Records[1].FailedFields)

	recs, err := h.queue.List(context.Background(), quarantine.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, quarantine.KindValidation, recs[0].Kind)
}

func TestCrawlSourcePolicyDuringPaginationIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sess := &fakeSession{
		rows:        rawRows("hero", 1, 60),
		pageSize:    20,
		revealErrAt: 2,
		revealErr:   &leaderboard.SourcePolicyError{URL: "https://ranks.example.test/global", Reason: "disallowed by robots.txt"},
	}
	h.provider.sessions = []*fakeSession{sess}

	_, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	var perr *leaderboard.SourcePolicyError
	require.ErrorAs(t, err, &perr)
	assert.True(t, sess.closed)
	assert.Len(t, h.provider.handed, 1, "policy denials are not retried")
	assert.Empty(t, h.publisher.Messages())

	_, ok := h.cache.GetSnapshot(leaderboard.Global())
	assert.False(t, ok, "no partial snapshot is committed")
}

func TestCrawlStrictValidationFailsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Pipeline = deps.Pipeline.WithStrategy(validation.StrategyStrict)
	})
	rows := rawRows("hero", 1, 5)
	delete(rows[2], leaderboard.FieldCharacterName)
	sess := &fakeSession{rows: rows, pageSize: 5}
	h.provider.sessions = []*fakeSession{sess}

	_, err := h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
	require.ErrorIs(t, err, validation.ErrMissingRequiredField)
	assert.True(t, sess.closed)
	assert.Len(t, h.provider.handed, 1, "validation failures are not retried")
}

func TestCrawlCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.sessions = []*fakeSession{{rows: rawRows("hero", 1, 10), pageSize: 10}}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.ctrl.Crawl(context.Background(), leaderboard.Global(), Options{})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, h.provider.handed, 1)
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewController(DefaultConfig(), Deps{})
	require.Error(t, err)
}
