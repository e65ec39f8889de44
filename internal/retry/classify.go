package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"temporary failure in name resolution",
	"too many requests",
	"rate limited",
	"target closed",
	"session closed",
	"detached",
	"websocket: close",
}

// IsTransient reports whether err matches a known transient failure signature.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var policyErr *leaderboard.SourcePolicyError
	if errors.As(err, &policyErr) {
		return false
	}
	if errors.Is(err, leaderboard.ErrSessionClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var statusErr *leaderboard.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var limited *leaderboard.RateLimitExceeded
	if errors.As(err, &limited) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsSessionClosed reports whether err signals a closed or detached browser session.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, leaderboard.ErrSessionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "detached")
}
