package crawl

import (
	"strconv"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// CommitEvent is published after a changed snapshot is committed.
type CommitEvent struct {
	Scope       string    `json:"scope"`
	Outcome     Outcome   `json:"outcome"`
	Records     int       `json:"records"`
	Pages       int       `json:"pages"`
	Partial     bool      `json:"partial"`
	ContentHash string    `json:"content_hash,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

func newCommitEvent(snap leaderboard.Snapshot, outcome Outcome) CommitEvent {
	return CommitEvent{
		Scope:       snap.Scope.ID(),
		Outcome:     outcome,
		Records:     snap.Len(),
		Pages:       snap.PageCount,
		Partial:     snap.Partial,
		ContentHash: snap.ContentHash,
		CapturedAt:  snap.CapturedAt,
	}
}

// Attributes are attached to the published message.
func (e CommitEvent) Attributes() map[string]string {
	return map[string]string{
		"scope":   e.Scope,
		"outcome": string(e.Outcome),
		"partial": strconv.FormatBool(e.Partial),
	}
}
