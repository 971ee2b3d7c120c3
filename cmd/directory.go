package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Manage the contractor tier directory",
}

// -- directory import --

var rosterPath string

var directoryImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Load an XLSX contractor roster into the Postgres directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("directory"); err != nil {
			return err
		}
		if cfg.Directory.Driver != "postgres" {
			return eris.New("directory import requires directory.driver=postgres")
		}

		roster, err := directory.ReadRosterXLSX(rosterPath)
		if err != nil {
			return err
		}

		pool, err := store.NewPool(ctx, cfg.Directory.DatabaseURL, nil)
		if err != nil {
			return eris.Wrap(err, "open directory database")
		}
		defer pool.Close()

		if err := directory.NewPostgres(pool).Migrate(ctx); err != nil {
			return err
		}

		contractors, rates, err := directory.ImportRoster(ctx, pool, roster)
		if err != nil {
			return err
		}

		zap.L().Info("roster imported",
			zap.String("file", rosterPath),
			zap.Int64("contractors", contractors),
			zap.Int64("rates", rates),
		)
		fmt.Printf("Imported %d contractors and %d tier rates from %s\n", contractors, rates, rosterPath)
		return nil
	},
}

// -- directory stats --

var statsCategory string

var directoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier capacity and response rates for a category",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("plan"); err != nil {
			return err
		}

		env := &outreachEnv{}
		defer env.Close()
		dir, err := env.initDirectory(ctx)
		if err != nil {
			return err
		}

		stats, err := dir.TierStats(ctx, statsCategory)
		if err != nil {
			return eris.Wrapf(err, "directory stats for %q", statsCategory)
		}
		formatTierStats(os.Stdout, stats)
		return nil
	},
}

// formatTierStats writes one row per tier.
func formatTierStats(out io.Writer, stats []model.TierStat) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIER\tAVAILABLE\tRESPONSE_RATE")
	_, _ = fmt.Fprintln(w, "----\t---------\t-------------")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%.2f\n", s.Tier, s.Available, s.ResponseRate)
	}
	_ = w.Flush()
}

func init() {
	directoryImportCmd.Flags().StringVar(&rosterPath, "file", "", "path to the roster workbook (required)")
	_ = directoryImportCmd.MarkFlagRequired("file")

	directoryStatsCmd.Flags().StringVar(&statsCategory, "category", "", "project category (required)")
	_ = directoryStatsCmd.MarkFlagRequired("category")

	directoryCmd.AddCommand(directoryImportCmd)
	directoryCmd.AddCommand(directoryStatsCmd)
	rootCmd.AddCommand(directoryCmd)
}
