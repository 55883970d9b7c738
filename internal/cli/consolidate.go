package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		report, runErr := rt.engine.RunConsolidation(cmd.Context())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return runErr
	},
}
