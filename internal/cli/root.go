package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/config"
)

var (
	configPath string
	debug      bool

	// Populated by the root PersistentPreRunE.
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Tiered memory consolidation with privacy-preserving pattern sharing",
	Long: "mnemo stores interactions as working memories, consolidates them into episodic and " +
		"semantic tiers, discovers recurring patterns and releases them under k-anonymity and " +
		"differential privacy.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(debug)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(shareCmd)
}
