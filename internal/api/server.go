// Package api exposes the HTTP interface for the harvester.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	"github.com/JakeFAU/leaderboard-crawler/internal/rankings"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

// DefaultRequestTimeout bounds a request when Config leaves it unset.
const DefaultRequestTimeout = 60 * time.Second

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Rankings is the read and maintenance surface the handlers serve.
type Rankings interface {
	Scopes() []leaderboard.Scope
	Rankings(ctx context.Context, scope leaderboard.Scope, q rankings.Query) (leaderboard.QueryResult, error)
	Search(ctx context.Context, q rankings.SearchQuery) (rankings.SearchResult, error)
	CacheStats() cache.Stats
	ClearCache()
	Quarantined(ctx context.Context, filter quarantine.Filter) ([]quarantine.ErrorRecord, error)
	Reprocess(ctx context.Context, action quarantine.Action) (quarantine.ReprocessResult, error)
}

// Refresher queues background refreshes.
type Refresher interface {
	Submit(ctx context.Context, scope leaderboard.Scope, force bool, source string) (refresh.Request, error)
	SubmitAll(ctx context.Context, scopes []leaderboard.Scope, force bool, source string) ([]refresh.Request, error)
}

// RefreshLog answers refresh status lookups.
type RefreshLog interface {
	Get(id string) (refresh.Outcome, bool)
	Recent(n int) []refresh.Outcome
}

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(identity, route string, cost int) ratelimit.Decision
}

// Server wires HTTP handlers to the rankings service and the refresh queue.
type Server struct {
	router    chi.Router
	rankings  Rankings
	refresher Refresher
	log       RefreshLog
	admitter  Admitter
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. admitter may be nil,
// which admits everything.
func NewServer(
	svc Rankings,
	refresher Refresher,
	log RefreshLog,
	admitter Admitter,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		rankings:  svc,
		refresher: refresher,
		log:       log,
		admitter:  admitter,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/scopes", s.listScopes)
		r.Get("/rankings", s.admit("rankings", rankingsCost, s.globalRankings))
		r.Get("/rankings/{region}/{server}", s.admit("server_rankings", rankingsCost, s.serverRankings))
		r.Get("/search", s.admit("search", searchCost, s.search))
		r.Post("/refresh", s.admit("refresh", refreshCost, s.submitRefresh))
		r.Get("/refresh", s.recentRefreshes)
		r.Get("/refresh/{id}", s.getRefresh)
		r.Get("/cache/stats", s.cacheStats)
		r.Post("/cache/clear", s.clearCache)
		r.Get("/quarantine", s.listQuarantine)
		r.Post("/quarantine/reprocess", s.reprocessQuarantine)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listScopes(w http.ResponseWriter, _ *http.Request) {
	scopes := s.rankings.Scopes()
	ids := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		ids = append(ids, sc.ID())
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": ids})
}

func (s *Server) globalRankings(w http.ResponseWriter, r *http.Request) {
	s.serveRankings(w, r, leaderboard.Global())
}

func (s *Server) serverRankings(w http.ResponseWriter, r *http.Request) {
	scope := leaderboard.NewScope(chi.URLParam(r, "region"), chi.URLParam(r, "server"))
	s.serveRankings(w, r, scope)
}

func (s *Server) serveRankings(w http.ResponseWriter, r *http.Request, scope leaderboard.Scope) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.rankings.Rankings(r.Context(), scope, q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := rankings.SearchQuery{
		Name: values.Get("name"),
		Clan: values.Get("clan"),
	}
	limit, err := intParam(values.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	q.Limit = limit
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.rankings.Search(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	Scopes []string `json:"scopes"`
	Force  bool     `json:"force"`
}

func (s *Server) submitRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	req.Force = req.Force || boolParam(r.URL.Query().Get("force"))

	scopes := s.rankings.Scopes()
	if len(req.Scopes) > 0 {
		scopes = make([]leaderboard.Scope, 0, len(req.Scopes))
		for _, raw := range req.Scopes {
			scope, err := leaderboard.ParseScope(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			scopes = append(scopes, scope)
		}
	}
	queued, err := s.refresher.SubmitAll(r.Context(), scopes, req.Force, "api")
	if err != nil && len(queued) == 0 {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	ids := make([]string, 0, len(queued))
	for _, req := range queued {
		ids = append(ids, req.ID)
	}
	body := map[string]any{"request_ids": ids}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) getRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, ok := s.log.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "refresh request not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recentRefreshes(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshes": s.log.Recent(n)})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rankings.CacheStats())
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.rankings.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) listQuarantine(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	filter := quarantine.Filter{Kind: quarantine.Kind(values.Get("kind"))}
	if raw := values.Get("action"); raw != "" {
		action, ok := quarantine.ParseAction(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown action")
			return
		}
		filter.Action = action
	}
	limit, err := intParam(values.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	filter.Limit = limit
	records, err := s.rankings.Quarantined(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) reprocessQuarantine(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("action")
	if raw == "" {
		raw = string(quarantine.ActionRetryLater)
	}
	action, ok := quarantine.ParseAction(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	res, err := s.rankings.Reprocess(r.Context(), action)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseQuery(r *http.Request) (rankings.Query, error) {
	values := r.URL.Query()
	q := rankings.Query{
		Clan:  values.Get("clan"),
		Force: boolParam(values.Get("force")),
	}
	if raw := strings.TrimSpace(values.Get("class")); raw != "" {
		q.Class = leaderboard.ParseClassTag(raw)
		if q.Class == leaderboard.ClassUnknown && !strings.EqualFold(raw, string(leaderboard.ClassUnknown)) {
			return rankings.Query{}, errors.New("class must be one of " + strings.Join(leaderboard.ClassTagNames(), ", "))
		}
	}
	var err error
	if q.Offset, err = intParam(values.Get("offset"), 0); err != nil {
		return rankings.Query{}, errors.New("offset must be an integer")
	}
	if q.Limit, err = intParam(values.Get("limit"), 0); err != nil {
		return rankings.Query{}, errors.New("limit must be an integer")
	}
	if raw := values.Get("min_power"); raw != "" {
		if q.MinPower, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return rankings.Query{}, errors.New("min_power must be an integer")
		}
	}
	return q, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func boolParam(raw string) bool {
	ok, err := strconv.ParseBool(raw)
	return err == nil && ok
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		limited *leaderboard.RateLimitExceeded
		policy  *leaderboard.SourcePolicyError
		crawl   *leaderboard.CrawlError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &limited):
		setRetryAfter(w, limited.RetryAfter)
		status = http.StatusTooManyRequests
	case errors.Is(err, leaderboard.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &policy):
		status = http.StatusForbidden
	case errors.Is(err, leaderboard.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &crawl):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
