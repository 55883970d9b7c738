package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/ingest"
)

var (
	importConcurrency int
	importSource      string
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import interactions or a session transcript from JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()

		parsed, err := ingest.Parse(f, importSource)
		if err != nil {
			return err
		}
		for _, le := range parsed.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", le.Line, le.Err)
		}

		rt, err := openRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		sum, err := ingest.Import(cmd.Context(), rt.engine, parsed.Interactions, importConcurrency, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %d, rejected %d, skipped %d, malformed %d\n",
			sum.Stored, sum.Rejected, parsed.Skipped, len(parsed.Errors))
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", ingest.DefaultConcurrency, "parallel stores")
	importCmd.Flags().StringVar(&importSource, "source", "import", "source recorded on interactions without one")
}
