package crawl

import (
	"fmt"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Detector defaults.
const (
	DefaultSimilarityThreshold = 0.80
	DefaultRankTolerance       = 3
	DefaultMaxCompared         = 100
)

// ResetWindow is the daily period during which the source reshuffles its rankings.
type ResetWindow struct {
	Enabled  bool          `mapstructure:"enabled"`
	Hour     int           `mapstructure:"hour"`
	Minute   int           `mapstructure:"minute"`
	Duration time.Duration `mapstructure:"duration"`
	Timezone string        `mapstructure:"timezone"`
}

// Validate reports configuration errors.
func (w ResetWindow) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 {
		return fmt.Errorf("reset window start %02d:%02d out of range", w.Hour, w.Minute)
	}
	if w.Duration <= 0 || w.Duration > 24*time.Hour {
		return fmt.Errorf("reset window duration %s must be within (0, 24h]", w.Duration)
	}
	if _, err := w.location(); err != nil {
		return err
	}
	return nil
}

func (w ResetWindow) location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, fmt.Errorf("reset window timezone: %w", err)
	}
	return loc, nil
}

// Contains reports whether now falls in the window, including windows that cross midnight.
func (w ResetWindow) Contains(now time.Time) bool {
	if !w.Enabled || w.Duration <= 0 {
		return false
	}
	loc, err := w.location()
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), w.Hour, w.Minute, 0, 0, loc)
	for _, s := range []time.Time{start.AddDate(0, 0, -1), start} {
		if !local.Before(s) && local.Before(s.Add(w.Duration)) {
			return true
		}
	}
	return false
}

// DetectorConfig holds the change-detection thresholds.
type DetectorConfig struct {
	SimilarityThreshold float64     `mapstructure:"similarity_threshold"`
	RankTolerance       int         `mapstructure:"rank_tolerance"`
	MaxCompared         int         `mapstructure:"max_compared"`
	ResetWindow         ResetWindow `mapstructure:"reset_window"`
}

// DefaultDetectorConfig returns the stock thresholds with the reset window disabled.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SimilarityThreshold: DefaultSimilarityThreshold,
		RankTolerance:       DefaultRankTolerance,
		MaxCompared:         DefaultMaxCompared,
	}
}

// Verdict is the detector's answer for one first page.
type Verdict struct {
	Paginate           bool
	Reason             string
	Compared           int
	PositionMatches    int
	NameMatches        int
	PositionSimilarity float64
	NameSimilarity     float64
}

// Verdict reasons.
const (
	ReasonNoExisting  = "no_existing_snapshot"
	ReasonResetWindow = "reset_window"
	ReasonEmptyPage   = "empty_first_page"
	ReasonChanged     = "changed"
	ReasonStable      = "stable"
)

// Detector decides whether a first page still matches the stored snapshot.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector creates a Detector; zero thresholds take their defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.RankTolerance < 0 {
		cfg.RankTolerance = def.RankTolerance
	}
	if cfg.MaxCompared <= 0 {
		cfg.MaxCompared = def.MaxCompared
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Decide compares scraped first-page records with existing.
func (d *Detector) Decide(scraped []leaderboard.Record, existing *leaderboard.Snapshot, now time.Time) Verdict {
	if existing == nil || existing.Len() == 0 {
		return Verdict{Paginate: true, Reason: ReasonNoExisting}
	}
	if d.cfg.ResetWindow.Contains(now) {
		return Verdict{Paginate: true, Reason: ReasonResetWindow}
	}
	if len(scraped) == 0 {
		return Verdict{Paginate: true, Reason: ReasonEmptyPage}
	}

	byName := make(map[string]int, existing.Len())
	for _, r := range existing.Records {
		if _, dup := byName[r.CharacterName]; !dup {
			byName[r.CharacterName] = r.Rank
		}
	}

	v := Verdict{Compared: min(len(scraped), d.cfg.MaxCompared)}
	for _, r := range scraped[:v.Compared] {
		rank, ok := byName[r.CharacterName]
		if !ok {
			continue
		}
		v.NameMatches++
		if abs(r.Rank-rank) <= d.cfg.RankTolerance {
			v.PositionMatches++
		}
	}
	v.PositionSimilarity = float64(v.PositionMatches) / float64(v.Compared)
	v.NameSimilarity = float64(v.NameMatches) / float64(v.Compared)
	if v.PositionSimilarity >= d.cfg.SimilarityThreshold {
		v.Reason = ReasonStable
		return v
	}
	v.Paginate = true
	v.Reason = ReasonChanged
	return v
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
