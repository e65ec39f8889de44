package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

func newReprocessCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Run one quarantine reprocessing pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, ok := quarantine.ParseAction(action)
			if !ok {
				return fmt.Errorf("unknown action %q", action)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Reprocess(cmd.Context(), parsed)
			if err != nil {
				return err
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", string(quarantine.ActionRetryLater),
		"records to reprocess: retry_later, quarantine, auto_fix or discard")
	return cmd
}
