// Package refresh defines queued crawl requests and their recorded outcomes.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// DefaultHistory is how many finished requests a Log keeps.
const DefaultHistory = 256

// Status is the lifecycle state of a request.
type Status string

// Request statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Request asks for one scope to be crawled.
type Request struct {
	ID         string            `json:"id"`
	Scope      leaderboard.Scope `json:"scope"`
	Force      bool              `json:"force"`
	Source     string            `json:"source"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Outcome records what happened to a request.
type Outcome struct {
	Request    Request       `json:"request"`
	Status     Status        `json:"status"`
	Result     crawl.Outcome `json:"result,omitempty"`
	Records    int           `json:"records"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Queue buffers requests between producers and workers.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	Dequeue(ctx context.Context) (Request, error)
}

// Crawler runs one crawl cycle.
type Crawler interface {
	Crawl(ctx context.Context, scope leaderboard.Scope, opts crawl.Options) (crawl.Result, error)
}

// Recorder receives request state changes.
type Recorder interface {
	Record(outcome Outcome)
}

// Log is an in-memory Recorder keeping the newest outcomes.
type Log struct {
	mu      sync.RWMutex
	max     int
	order   []string
	entries map[string]Outcome
}

// NewLog creates a Log holding up to max outcomes.
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultHistory
	}
	return &Log{max: max, entries: make(map[string]Outcome)}
}

// Record stores or replaces the outcome for its request ID.
func (l *Log) Record(outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := outcome.Request.ID
	if _, ok := l.entries[id]; !ok {
		l.order = append(l.order, id)
	}
	l.entries[id] = outcome
	for len(l.order) > l.max {
		delete(l.entries, l.order[0])
		l.order = l.order[1:]
	}
}

// Get returns the outcome for id.
func (l *Log) Get(id string) (Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.entries[id]
	return o, ok
}

// Recent returns up to n outcomes, newest first.
func (l *Log) Recent(n int) []Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.order) {
		n = len(l.order)
	}
	out := make([]Outcome, 0, n)
	for i := len(l.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[l.order[i]])
	}
	return out
}
