// Package cmd defines the harvester CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/config"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	"github.com/JakeFAU/leaderboard-crawler/internal/rankings"
	"github.com/JakeFAU/leaderboard-crawler/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the built application. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	RefreshAll(ctx context.Context, force bool) ([]rankings.ScopeRefresh, error)
	Reprocess(ctx context.Context, action quarantine.Action) (quarantine.ReprocessResult, error)
	Logger() *zap.Logger
	Close() error
}

// newApp loads configuration and builds the application. It is a variable so
// tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Leaderboard harvester",
		Long: `harvester crawls paginated game leaderboards with a headless browser,
skips pagination when the first page shows nothing changed, validates every
record, and serves cached rankings over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "close:", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newReprocessCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
