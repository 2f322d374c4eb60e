package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-spc/internal/app"
	"github.com/celerix-dev/celerix-spc/internal/persistence"
	"github.com/celerix-dev/celerix-spc/pkg/engine"
)

func (c *cli) migrateCmd() *cobra.Command {
	var to persistence.Options
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy every dataset from the configured backend to another",
		Long: `Copies all datasets and buckets from the configured storage backend into the
target, e.g. from the file backend into SQLite:

  celerix-spc migrate --to-driver sqlite --to-dsn ./data/celerix-spc.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			from := app.StorageOptions(cfg)
			if to.DataDir == "" {
				to.DataDir = cfg.DataDir
			}
			if from == to {
				return fmt.Errorf("source and target storage are the same")
			}

			src, srcCloser, err := persistence.Open(cmd.Context(), from, c.logger)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer srcCloser.Close()
			dst, dstCloser, err := persistence.Open(cmd.Context(), to, c.logger)
			if err != nil {
				return fmt.Errorf("open target: %w", err)
			}
			defer dstCloser.Close()

			if err := engine.Migrate(src, dst); err != nil {
				return err
			}
			datasets, _ := src.GetDatasets()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d datasets from %s to %s\n", len(datasets), from.Driver, to.Driver)
			return nil
		},
	}
	cmd.Flags().StringVar(&to.Driver, "to-driver", "", "target driver: file, sqlite or postgres")
	cmd.Flags().StringVar(&to.DSN, "to-dsn", "", "target sqlite path or postgres connection string")
	cmd.Flags().StringVar(&to.DataDir, "to-data-dir", "", "target directory for the file driver")
	_ = cmd.MarkFlagRequired("to-driver")
	return cmd
}
