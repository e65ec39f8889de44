package leaderboard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrSessionClosed reports that the browser session was closed or detached mid-cycle.
var ErrSessionClosed = errors.New("browser session closed")

// ErrNotFound signals that a key or record does not exist.
var ErrNotFound = errors.New("not found")

// CrawlError is a browser or network failure during a crawl step.
type CrawlError struct {
	Scope string
	Step  string
	Err   error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl %s: %s: %v", e.Scope, e.Step, e.Err)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// SourcePolicyError means the crawl target disallows access. It is never retried.
type SourcePolicyError struct {
	URL    string
	Reason string
}

func (e *SourcePolicyError) Error() string {
	return fmt.Sprintf("source policy forbids %s: %s", e.URL, e.Reason)
}

// PersistenceError wraps a failure of the persistence collaborator.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RateLimitExceeded is returned when admission control rejects a request.
type RateLimitExceeded struct {
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// HTTPStatusError carries an upstream HTTP status code.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the status is worth retrying (429 or 5xx).
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
