package rankings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query filters and pages one scope's rankings.
type Query struct {
	Class    leaderboard.ClassTag
	Clan     string
	MinPower int64
	Offset   int
	Limit    int
	// Force bypasses both the query tier and the crawl cache check.
	Force bool
}

// Normalize clamps paging and canonicalizes filters.
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)
	q.Offset = max(q.Offset, 0)
	q.MinPower = max(q.MinPower, 0)
	q.Clan = strings.TrimSpace(q.Clan)
	return q
}

// Signature is the query tier key. Force does not take part.
func (q Query) Signature(scope leaderboard.Scope) string {
	return fmt.Sprintf("rankings|%s|class=%s|clan=%s|min=%d|off=%d|lim=%d",
		scope.ID(), q.Class, strings.ToLower(q.Clan), q.MinPower, q.Offset, q.Limit)
}

func (q Query) matches(r leaderboard.Record) bool {
	if q.Class != "" && r.ClassTag != q.Class {
		return false
	}
	if q.Clan != "" && !strings.EqualFold(r.ClanName, q.Clan) {
		return false
	}
	return r.PowerScore >= q.MinPower
}

// apply derives the query view from snap.
func (q Query) apply(snap leaderboard.Snapshot, now time.Time) leaderboard.QueryResult {
	var matched []leaderboard.Record
	for _, r := range snap.Records {
		if q.matches(r) {
			matched = append(matched, r)
		}
	}
	res := leaderboard.QueryResult{
		Scope:      snap.Scope,
		Total:      len(matched),
		ComputedAt: now,
		CapturedAt: snap.CapturedAt,
		Records:    []leaderboard.Record{},
	}
	if q.Offset < len(matched) {
		end := min(q.Offset+q.Limit, len(matched))
		res.Records = append(res.Records, matched[q.Offset:end]...)
	}
	return res
}

// SearchQuery looks a character or clan up across every scope.
type SearchQuery struct {
	Name  string
	Clan  string
	Limit int
}

// Validate requires at least one term.
func (q SearchQuery) Validate() error {
	if strings.TrimSpace(q.Name) == "" && strings.TrimSpace(q.Clan) == "" {
		return errors.New("search needs a name or clan")
	}
	return nil
}

func (q SearchQuery) matches(r leaderboard.Record) bool {
	if name := strings.TrimSpace(q.Name); name != "" &&
		!strings.Contains(strings.ToLower(r.CharacterName), strings.ToLower(name)) {
		return false
	}
	if clan := strings.TrimSpace(q.Clan); clan != "" && !strings.EqualFold(r.ClanName, clan) {
		return false
	}
	return true
}

// SearchResult joins matches from all scopes, strongest first.
type SearchResult struct {
	Records      []leaderboard.Record `json:"records"`
	Scopes       int                  `json:"scopes"`
	FailedScopes []string             `json:"failed_scopes,omitempty"`
}
