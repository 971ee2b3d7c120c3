package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/directory"
	"github.com/sells-group/outreach-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the campaign store schema and, for Postgres, the directory tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))

		if cfg.Directory.Driver != "postgres" {
			return nil
		}
		pool, err := store.NewPool(ctx, cfg.Directory.DatabaseURL, nil)
		if err != nil {
			return eris.Wrap(err, "open directory database")
		}
		defer pool.Close()
		if err := directory.NewPostgres(pool).Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("directory migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
