package crawl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Config controls one crawl cycle.
type Config struct {
	// GlobalURL is the page of the global leaderboard.
	GlobalURL string `mapstructure:"global_url"`
	// ServerURLTemplate builds per-server pages; {region} and {server} are substituted.
	ServerURLTemplate string         `mapstructure:"server_url_template"`
	MaxPages          int            `mapstructure:"max_pages"`
	StepTimeout       time.Duration  `mapstructure:"step_timeout"`
	PollInterval      time.Duration  `mapstructure:"poll_interval"`
	SettleDelay       time.Duration  `mapstructure:"settle_delay"`
	CycleTimeout      time.Duration  `mapstructure:"cycle_timeout"`
	FailureThreshold  int            `mapstructure:"failure_threshold"`
	Topic             string         `mapstructure:"topic"`
	Detector          DetectorConfig `mapstructure:"detector"`
}

// DefaultConfig returns conservative pacing for a browser-rendered source.
func DefaultConfig() Config {
	return Config{
		MaxPages:         50,
		StepTimeout:      15 * time.Second,
		PollInterval:     250 * time.Millisecond,
		SettleDelay:      500 * time.Millisecond,
		CycleTimeout:     10 * time.Minute,
		FailureThreshold: 2,
		Topic:            "leaderboard-snapshots",
		Detector:         DefaultDetectorConfig(),
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.GlobalURL == "" {
		errs = append(errs, errors.New("crawl.global_url is required"))
	} else if _, err := url.ParseRequestURI(c.GlobalURL); err != nil {
		errs = append(errs, fmt.Errorf("crawl.global_url: %w", err))
	}
	if c.ServerURLTemplate != "" &&
		(!strings.Contains(c.ServerURLTemplate, "{region}") || !strings.Contains(c.ServerURLTemplate, "{server}")) {
		errs = append(errs, errors.New("crawl.server_url_template must contain {region} and {server}"))
	}
	if c.MaxPages < 1 {
		errs = append(errs, errors.New("crawl.max_pages must be >= 1"))
	}
	if c.StepTimeout <= 0 {
		errs = append(errs, errors.New("crawl.step_timeout must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("crawl.poll_interval must be > 0"))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("crawl.settle_delay must be >= 0"))
	}
	if t := c.Detector.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, errors.New("crawl.detector.similarity_threshold must be within (0, 1]"))
	}
	if c.Detector.RankTolerance < 0 {
		errs = append(errs, errors.New("crawl.detector.rank_tolerance must be >= 0"))
	}
	if err := c.Detector.ResetWindow.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("crawl.detector.reset_window: %w", err))
	}
	return errors.Join(errs...)
}

// URLFor returns the page address of scope.
func (c Config) URLFor(scope leaderboard.Scope) (string, error) {
	if scope.IsGlobal() {
		return c.GlobalURL, nil
	}
	if c.ServerURLTemplate == "" {
		return "", fmt.Errorf("no server url template configured for scope %s", scope.ID())
	}
	r := strings.NewReplacer(
		"{region}", url.PathEscape(scope.Region),
		"{server}", url.PathEscape(scope.Server),
	)
	return r.Replace(c.ServerURLTemplate), nil
}
