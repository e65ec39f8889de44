// Package robots gates crawl targets on the source's robots.txt.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Defaults for the gate.
const (
	DefaultCacheTTL = time.Hour
	DefaultTimeout  = 10 * time.Second
	maxRobotsBytes  = 1 << 20
)

// Config controls the robots gate.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	UserAgent string        `mapstructure:"user_agent"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type cachedRules struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Gate implements crawl.SourcePolicy. Rules are cached per host.
type Gate struct {
	cfg       Config
	collector *colly.Collector
	clock     leaderboard.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]cachedRules
}

// New builds a Gate. A disabled gate allows everything.
func New(cfg Config, clock leaderboard.Clock, logger *zap.Logger) *Gate {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = maxRobotsBytes
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&retryingTransport{base: newHTTPTransport(), logger: logger})
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Gate{
		cfg:       cfg,
		collector: c,
		clock:     clock,
		logger:    logger.Named("robots"),
		hosts:     make(map[string]cachedRules),
	}
}

// Check returns a SourcePolicyError when robots.txt disallows rawURL. Fetch failures
// are logged and allow access.
func (g *Gate) Check(ctx context.Context, rawURL string) error {
	if !g.cfg.Enabled {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return &leaderboard.SourcePolicyError{URL: rawURL, Reason: "unparseable url"}
	}
	data, err := g.rules(ctx, parsed)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("robots check: %w", ctx.Err())
		}
		g.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	agent := g.cfg.UserAgent
	if agent == "" {
		agent = "*"
	}
	if !data.TestAgent(parsed.EscapedPath(), agent) {
		return &leaderboard.SourcePolicyError{URL: rawURL, Reason: "disallowed by robots.txt"}
	}
	return nil
}

func (g *Gate) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)
	now := g.clock.Now()

	g.mu.Lock()
	cached, ok := g.hosts[host]
	g.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < g.cfg.CacheTTL {
		return cached.data, nil
	}

	robotsURL := url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	status, body, err := g.fetch(ctx, robotsURL.String())
	if err != nil {
		return nil, err
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	g.mu.Lock()
	g.hosts[host] = cachedRules{data: data, fetchedAt: now}
	g.mu.Unlock()
	return data, nil
}

func (g *Gate) fetch(ctx context.Context, robotsURL string) (int, []byte, error) {
	collector := g.collector.Clone()
	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			status = r.StatusCode
			body = append([]byte(nil), r.Body...)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(robotsURL)
	}()
	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("robots fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && status == 0 {
			return 0, nil, fmt.Errorf("robots visit failed: %w", err)
		}
		if fetchErr != nil {
			return 0, nil, fmt.Errorf("robots response failed: %w", fetchErr)
		}
		if status == 0 {
			status = http.StatusOK
		}
		return status, body, nil
	}
}
