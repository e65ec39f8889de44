// Package browser hands out headless Chrome tabs as crawl sessions.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
)

// Defaults for the session pool.
const (
	DefaultMaxSessions    = 4
	DefaultReadySelector  = "body"
	DefaultRowSelector    = "table.ranking tbody tr"
	DefaultRevealSelector = "button.load-more"
)

// Config controls the browser pool.
type Config struct {
	MaxSessions    int    `mapstructure:"max_sessions"`
	UserAgent      string `mapstructure:"user_agent"`
	ExecPath       string `mapstructure:"exec_path"`
	Headless       bool   `mapstructure:"headless"`
	ReadySelector  string `mapstructure:"ready_selector"`
	RowSelector    string `mapstructure:"row_selector"`
	RevealSelector string `mapstructure:"reveal_selector"`
}

// DefaultConfig returns a headless pool of DefaultMaxSessions tabs.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    DefaultMaxSessions,
		Headless:       true,
		ReadySelector:  DefaultReadySelector,
		RowSelector:    DefaultRowSelector,
		RevealSelector: DefaultRevealSelector,
	}
}

// Pool implements crawl.SessionProvider on one shared chromedp allocator.
type Pool struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewPool creates a Pool. Chrome is not started until the first session runs.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxSessions < 0 {
		return nil, errors.New("browser.max_sessions must be >= 0")
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = DefaultReadySelector
	}
	if cfg.RowSelector == "" {
		cfg.RowSelector = DefaultRowSelector
	}
	if cfg.RevealSelector == "" {
		cfg.RevealSelector = DefaultRevealSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Pool{
		cfg:         cfg,
		slots:       semaphore.NewWeighted(int64(cfg.MaxSessions)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
	}, nil
}

// Acquire opens a new tab, blocking while MaxSessions tabs are open.
func (p *Pool) Acquire(ctx context.Context) (crawl.Session, error) {
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(p.allocator)
	s := newSession(tabCtx, tabCancel, p.cfg, p.releaseSlot)
	chromedp.ListenTarget(tabCtx, s.watch)

	// The first Run starts the browser and the target. It must not use a derived
	// context, otherwise the deadline would tear the tab down.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open tab: %w", mapError(tabCtx, err))
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("open tab: %w", ctx.Err())
	}
	p.logger.Debug("session opened")
	return s, nil
}

// Close shuts the browser down. Open sessions fail with leaderboard.ErrSessionClosed.
func (p *Pool) Close() {
	p.allocCancel()
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	start := time.Now()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("browser slot wait canceled: %w", err)
	}
	if waited := time.Since(start); waited > time.Second {
		p.logger.Debug("waited for browser slot", zap.Duration("waited", waited))
	}
	return nil
}

func (p *Pool) releaseSlot() {
	p.slots.Release(1)
}
