package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/dispatcher"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	queueMemory "github.com/JakeFAU/leaderboard-crawler/internal/queue/memory"
	"github.com/JakeFAU/leaderboard-crawler/internal/rankings"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
)

func TestServer_GlobalRankingsPassesFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/rankings?class=Lancer&clan=Moon&min_power=500&offset=10&limit=5&force=true")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.svc.queries, 1)
	got := h.svc.queries[0]
	require.True(t, got.scope.IsGlobal())
	require.Equal(t, rankings.Query{
		Class:    leaderboard.ClassLancer,
		Clan:     "Moon",
		MinPower: 500,
		Offset:   10,
		Limit:    5,
		Force:    true,
	}, got.query)

	var res leaderboard.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.Total)
}

func TestServer_RankingsExposeQuarantineFlags(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/rankings")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Records []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 2)
	require.NotContains(t, body.Records[0], "quarantined")
	require.NotContains(t, body.Records[0], "failed_fields")
	require.Equal(t, true, body.Records[1]["quarantined"])
	require.Equal(t, []any{"power_score"}, body.Records[1]["failed_fields"])
}

func TestServer_ServerRankingsNormalizesScope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/rankings/eu/eu011")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, leaderboard.NewScope("EU", "EU011"), h.svc.queries[0].scope)
}

func TestServer_RankingsRejectsBadParams(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, path := range []string{
		"/v1/rankings?class=bard",
		"/v1/rankings?limit=many",
		"/v1/rankings?min_power=lots",
	} {
		rec := h.get(path)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	require.Empty(t, h.svc.queries)
}

func TestServer_RankingsMapsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{&leaderboard.SourcePolicyError{URL: "https://x", Reason: "robots"}, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", &leaderboard.CrawlError{Scope: "global", Step: "navigate", Err: errBoom}), http.StatusBadGateway},
		{leaderboard.ErrSessionClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errBoom, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		h.svc.err = tc.err
		rec := h.get("/v1/rankings")
		require.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestServer_SearchRequiresTerm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/search")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.get("/v1/search?name=ari&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, rankings.SearchQuery{Name: "ari", Limit: 3}, h.svc.search)
}

func TestServer_RefreshQueuesScopes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/refresh", []byte(`{"scopes":["eu/eu011"],"force":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		RequestIDs []string `json:"request_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"req-1"}, body.RequestIDs)

	req, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, leaderboard.NewScope("EU", "EU011"), req.Scope)
	require.True(t, req.Force)
	require.Equal(t, "api", req.Source)

	rec = h.get("/v1/refresh/req-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var out refresh.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, refresh.StatusQueued, out.Status)

	rec = h.get("/v1/refresh/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RefreshDefaultsToAllScopes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 2, h.queue.Len())

	rec = h.get("/v1/refresh?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "req-2")
	require.NotContains(t, rec.Body.String(), "req-1")
}

func TestServer_RefreshRejectsBadScope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/refresh", []byte(`{"scopes":["nowhere"]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, h.queue.Len())
}

func TestServer_CacheEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"query"`)

	rec = h.do(http.MethodPost, "/v1/cache/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, h.svc.cleared)
}

func TestServer_QuarantineEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/v1/quarantine?action=retry_later&kind=crawl&limit=7")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, quarantine.Filter{Action: quarantine.ActionRetryLater, Kind: quarantine.KindCrawl, Limit: 7}, h.svc.filter)

	rec = h.get("/v1/quarantine?action=burn")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/quarantine/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, quarantine.ActionRetryLater, h.svc.reprocessed)
}

func TestServer_AdmissionSetsRetryAfter(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{
		Identity: ratelimit.BucketConfig{Capacity: 4, RefillPerSecond: 0.5},
		Route:    ratelimit.BucketConfig{Capacity: 100, RefillPerSecond: 10},
	}, &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)})
	h := newHarness(t, limiter)

	// An unfiltered read costs 2 tokens.
	require.Equal(t, http.StatusOK, h.get("/v1/rankings").Code)
	require.Equal(t, http.StatusOK, h.get("/v1/rankings").Code)

	rec := h.get("/v1/rankings")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Equal(t, 4, secs)
	require.Len(t, h.svc.queries, 2)

	// A different API key is a different identity.
	req := httptest.NewRequest(http.MethodGet, "/v1/rankings?class=warrior", nil)
	req.Header.Set(APIKeyHeader, "other")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdmissionTrustsLoopback(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{
		Identity: ratelimit.BucketConfig{Capacity: 1, RefillPerSecond: 0.01},
		Route:    ratelimit.BucketConfig{Capacity: 1, RefillPerSecond: 0.01},
	}, &fakeClock{now: time.Unix(100, 0)})
	h := newHarness(t, limiter)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/rankings", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	svc := &fakeRankings{}
	server := NewServer(svc, nil, refresh.NewLog(10), nil, Config{
		Auth: AuthConfig{Enabled: true, APIKey: "secret"},
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/scopes", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/scopes", nil)
	req.Header.Set(APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.get("/v1/rankings")
	rec := h.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.svc.panicOnStats = true
	rec := h.get("/v1/cache/stats")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.get("/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

var errBoom = fmt.Errorf("boom")

type harness struct {
	server *Server
	svc    *fakeRankings
	queue  *queueMemory.Queue
}

func newHarness(t *testing.T, admitter Admitter) *harness {
	t.Helper()
	svc := &fakeRankings{
		scopes: []leaderboard.Scope{leaderboard.Global(), leaderboard.NewScope("EU", "EU011")},
	}
	q := queueMemory.NewQueue(10)
	log := refresh.NewLog(10)
	dispatch := dispatcher.New(q, nil, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, log)
	return &harness{
		server: NewServer(svc, dispatch, log, admitter, Config{}, zap.NewNop()),
		svc:    svc,
		queue:  q,
	}
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	return h.do(http.MethodGet, path, nil)
}

func (h *harness) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

type rankingsCall struct {
	scope leaderboard.Scope
	query rankings.Query
}

type fakeRankings struct {
	mu           sync.Mutex
	scopes       []leaderboard.Scope
	err          error
	queries      []rankingsCall
	search       rankings.SearchQuery
	filter       quarantine.Filter
	reprocessed  quarantine.Action
	cleared      bool
	panicOnStats bool
}

func (f *fakeRankings) Scopes() []leaderboard.Scope {
	return f.scopes
}

func (f *fakeRankings) Rankings(_ context.Context, scope leaderboard.Scope, q rankings.Query) (leaderboard.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return leaderboard.QueryResult{}, fmt.Errorf("rankings %s: %w", scope.ID(), f.err)
	}
	f.queries = append(f.queries, rankingsCall{scope: scope, query: q})
	return leaderboard.QueryResult{
		Scope:   scope,
		Total: 2,
		Records: []leaderboard.Record{
			{Rank: 1, CharacterName: "Arin", PowerScore: 900},
			{Rank: 2, CharacterName: "Bryn", Quarantined: true, FailedFields: []string{leaderboard.FieldPowerScore}},
		},
	}, nil
}

func (f *fakeRankings) Search(_ context.Context, q rankings.SearchQuery) (rankings.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.search = q
	return rankings.SearchResult{Scopes: len(f.scopes)}, nil
}

func (f *fakeRankings) CacheStats() cache.Stats {
	if f.panicOnStats {
		panic("stats exploded")
	}
	return cache.Stats{}
}

func (f *fakeRankings) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

func (f *fakeRankings) Quarantined(_ context.Context, filter quarantine.Filter) ([]quarantine.ErrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return []quarantine.ErrorRecord{}, nil
}

func (f *fakeRankings) Reprocess(_ context.Context, action quarantine.Action) (quarantine.ReprocessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprocessed = action
	return quarantine.ReprocessResult{}, nil
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("req-%d", f.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
