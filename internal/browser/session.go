package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Session is one chromedp tab.
type Session struct {
	tab     context.Context
	cancel  context.CancelFunc
	cfg     Config
	release func()

	closed    atomic.Bool
	closeOnce sync.Once
	doc       *documentStatus
}

func newSession(tab context.Context, cancel context.CancelFunc, cfg Config, release func()) *Session {
	return &Session{
		tab:     tab,
		cancel:  cancel,
		cfg:     cfg,
		release: release,
		doc:     &documentStatus{},
	}
}

// watch marks the session closed when Chrome reports the target gone.
func (s *Session) watch(ev any) {
	switch e := ev.(type) {
	case *inspector.EventDetached, *inspector.EventTargetCrashed:
		s.closed.Store(true)
	case *network.EventResponseReceived:
		s.doc.capture(e)
	}
}

// Navigate loads rawURL and waits for the ready selector.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	s.doc.reset()
	err := s.run(ctx,
		s.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(s.cfg.ReadySelector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if status := s.doc.status(); status >= http.StatusBadRequest {
		return &leaderboard.HTTPStatusError{URL: rawURL, StatusCode: status}
	}
	return nil
}

// Content returns the rendered document.
func (s *Session) Content(ctx context.Context) ([]byte, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return []byte(html), nil
}

// ResultCount returns how many rows match the row selector.
func (s *Session) ResultCount(ctx context.Context) (int, error) {
	var n int
	if err := s.run(ctx, chromedp.Evaluate(countScript(s.cfg.RowSelector), &n)); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// RevealMore clicks the reveal control. It reports false when the control is
// absent, hidden or disabled.
func (s *Session) RevealMore(ctx context.Context) (bool, error) {
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(revealScript(s.cfg.RevealSelector), &clicked)); err != nil {
		return false, fmt.Errorf("reveal more: %w", err)
	}
	return clicked, nil
}

// Close closes the tab and frees its slot. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if cerr := chromedp.Cancel(s.tab); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close tab: %w", cerr)
		}
		s.cancel()
		s.release()
	})
	return err
}

// run executes actions on the tab, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return leaderboard.ErrSessionClosed
	}
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: %v", leaderboard.ErrSessionClosed, err)
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return mapError(s.tab, err)
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// mapError converts errors that mean the tab is gone into leaderboard.ErrSessionClosed.
func mapError(tab context.Context, err error) error {
	if err == nil {
		return nil
	}
	if tab.Err() != nil ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrInvalidContext) {
		return fmt.Errorf("%w: %v", leaderboard.ErrSessionClosed, err)
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"target closed", "detached", "crashed", "websocket: close", "no target with given id"} {
		if strings.Contains(msg, sig) {
			return fmt.Errorf("%w: %v", leaderboard.ErrSessionClosed, err)
		}
	}
	return err
}

func countScript(selector string) string {
	return fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector))
}

func revealScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el || el.disabled || el.offsetParent === null) {
		return false;
	}
	el.scrollIntoView({block: "center"});
	el.click();
	return true;
})()`, jsString(selector))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// documentStatus tracks the status of the main document response.
type documentStatus struct {
	mu   sync.RWMutex
	code int
	url  string
}

func (d *documentStatus) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	d.code = int(event.Response.Status)
	d.url = event.Response.URL
	d.mu.Unlock()
}

func (d *documentStatus) reset() {
	d.mu.Lock()
	d.code, d.url = 0, ""
	d.mu.Unlock()
}

func (d *documentStatus) status() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.code
}
