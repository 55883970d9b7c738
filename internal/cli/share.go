package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/model"
)

var (
	shareEpsilon float64
	shareK       int
	shareScope   string
	shareSession string
)

var shareCmd = &cobra.Command{
	Use:   "share [pattern-id...]",
	Short: "Release patterns under k-anonymity and differential privacy",
	Long:  "With no ids every discovered pattern is a candidate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, shareErr := rt.engine.PreparePatternsForSharing(cmd.Context(), model.ShareRequest{
			PatternIDs: args,
			Epsilon:    shareEpsilon,
			K:          shareK,
			Scope:      model.Scope(shareScope),
			SessionID:  shareSession,
		})
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return shareErr
	},
}

func init() {
	shareCmd.Flags().Float64Var(&shareEpsilon, "epsilon", 0, "per-release epsilon (0 = configured default)")
	shareCmd.Flags().IntVar(&shareK, "k", 0, "k-anonymity threshold (0 = configured default)")
	shareCmd.Flags().StringVar(&shareScope, "scope", "", "sharing scope: private, shared or global")
	shareCmd.Flags().StringVar(&shareSession, "session", "", "privacy session id (empty = active session)")
}
