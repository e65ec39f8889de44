package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRefreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Crawl every configured scope once and print the outcomes",
		Long: `refresh runs one crawl cycle per scope (the global board plus
rankings.servers) and prints a JSON line per scope. With --force the cache
check and change detection are bypassed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			results, runErr := appInstance.RefreshAll(cmd.Context(), force)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, res := range results {
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			if runErr != nil {
				appInstance.Logger().Warn("refresh finished with failures", zap.Error(runErr))
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cache and change detection")
	return cmd
}
