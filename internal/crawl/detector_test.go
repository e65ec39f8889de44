package crawl

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

func rankedRecords(prefix string, from, n int) []leaderboard.Record {
	out := make([]leaderboard.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, leaderboard.Record{
			Rank:          from + i,
			CharacterName: fmt.Sprintf("%s%03d", prefix, from+i),
			PowerScore:    int64(100000 - from - i),
		})
	}
	return out
}

func TestDetectorIdenticalFirstPageIsStable(t *testing.T) {
	t.Parallel()

	d := NewDetector(DefaultDetectorConfig())
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 100)}
	v := d.Decide(rankedRecords("hero", 1, 20), existing, time.Now())

	assert.False(t, v.Paginate)
	assert.Equal(t, ReasonStable, v.Reason)
	assert.Equal(t, 20, v.Compared)
	assert.InDelta(t, 1.0, v.PositionSimilarity, 1e-9)
	assert.InDelta(t, 1.0, v.NameSimilarity, 1e-9)
}

func TestDetectorDisjointFirstPagePaginates(t *testing.T) {
	t.Parallel()

	d := NewDetector(DefaultDetectorConfig())
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 100)}
	v := d.Decide(rankedRecords("rookie", 1, 20), existing, time.Now())

	assert.True(t, v.Paginate)
	assert.Equal(t, ReasonChanged, v.Reason)
	assert.Zero(t, v.PositionSimilarity)
	assert.Zero(t, v.NameSimilarity)
}

func TestDetectorRankTolerance(t *testing.T) {
	t.Parallel()

	d := NewDetector(DefaultDetectorConfig())
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 10)}

	// Every name moved down by 3 places: still within tolerance.
	shifted := rankedRecords("hero", 1, 10)
	for i := range shifted {
		shifted[i].Rank += 3
	}
	v := d.Decide(shifted, existing, time.Now())
	assert.False(t, v.Paginate)
	assert.Equal(t, 10, v.PositionMatches)

	// A shift of 4 matches names but not positions.
	for i := range shifted {
		shifted[i].Rank++
	}
	v = d.Decide(shifted, existing, time.Now())
	assert.True(t, v.Paginate)
	assert.Zero(t, v.PositionMatches)
	assert.Equal(t, 10, v.NameMatches)
}

func TestDetectorThresholdBoundary(t *testing.T) {
	t.Parallel()

	d := NewDetector(DefaultDetectorConfig())
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 100)}

	page := rankedRecords("hero", 1, 10)
	page[8].CharacterName = "newcomer-a"
	page[9].CharacterName = "newcomer-b"
	v := d.Decide(page, existing, time.Now())
	assert.False(t, v.Paginate, "8/10 meets the threshold")
	assert.InDelta(t, 0.8, v.PositionSimilarity, 1e-9)

	page[7].CharacterName = "newcomer-c"
	v = d.Decide(page, existing, time.Now())
	assert.True(t, v.Paginate, "7/10 is below the threshold")
}

func TestDetectorComparesAtMostConfiguredCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultDetectorConfig()
	cfg.MaxCompared = 5
	d := NewDetector(cfg)
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 5)}

	page := append(rankedRecords("hero", 1, 5), rankedRecords("rookie", 6, 20)...)
	v := d.Decide(page, existing, time.Now())
	assert.Equal(t, 5, v.Compared)
	assert.False(t, v.Paginate)
}

func TestDetectorForcedPagination(t *testing.T) {
	t.Parallel()

	cfg := DefaultDetectorConfig()
	cfg.ResetWindow = ResetWindow{Enabled: true, Hour: 23, Minute: 30, Duration: time.Hour, Timezone: "UTC"}
	d := NewDetector(cfg)
	existing := &leaderboard.Snapshot{Records: rankedRecords("hero", 1, 10)}
	page := rankedRecords("hero", 1, 10)

	inside := time.Date(2024, 3, 2, 0, 15, 0, 0, time.UTC)
	outside := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, ReasonResetWindow, d.Decide(page, existing, inside).Reason)
	assert.Equal(t, ReasonStable, d.Decide(page, existing, outside).Reason)
	assert.Equal(t, ReasonNoExisting, d.Decide(page, nil, outside).Reason)
	assert.Equal(t, ReasonNoExisting, d.Decide(page, &leaderboard.Snapshot{}, outside).Reason)
	assert.Equal(t, ReasonEmptyPage, d.Decide(nil, existing, outside).Reason)
}

func TestResetWindowContains(t *testing.T) {
	t.Parallel()

	w := ResetWindow{Enabled: true, Hour: 4, Minute: 0, Duration: 30 * time.Minute, Timezone: "America/New_York"}
	require.NoError(t, w.Validate())

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.True(t, w.Contains(time.Date(2024, 6, 1, 4, 10, 0, 0, loc)))
	assert.False(t, w.Contains(time.Date(2024, 6, 1, 4, 30, 0, 0, loc)))
	assert.False(t, w.Contains(time.Date(2024, 6, 1, 3, 59, 0, 0, loc)))
	assert.False(t, ResetWindow{}.Contains(time.Now()))

	bad := ResetWindow{Enabled: true, Hour: 25, Duration: time.Minute}
	assert.Error(t, bad.Validate())
	bad = ResetWindow{Enabled: true, Hour: 1, Timezone: "Nowhere/Special", Duration: time.Minute}
	assert.Error(t, bad.Validate())
}
