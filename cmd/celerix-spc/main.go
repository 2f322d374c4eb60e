package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/app"
	"github.com/celerix-dev/celerix-spc/internal/config"
	"github.com/celerix-dev/celerix-spc/internal/logging"
)

// cli carries the global flags and the logger built from them.
type cli struct {
	configPath string
	dataset    string
	verbose    bool

	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	defaultConfig := os.Getenv("CELERIX_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "celerix-spc.yaml"
	}

	root := &cobra.Command{
		Use:   "celerix-spc",
		Short: "Statistical process control over the Celerix measurement store",
		Long: `celerix-spc works directly on the configured storage backend: it ingests
measurement payloads, maintains control limits, reports capability and
process status, moves datasets between backends and signs or verifies
webhook payloads.

Stop the daemon before running commands that write to the same dataset.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if c.verbose {
				level = "debug"
			}
			var err error
			c.logger, err = logging.New(logging.Options{Level: level})
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfig, "path to the YAML configuration")
	root.PersistentFlags().StringVarP(&c.dataset, "dataset", "d", "", "dataset to operate on (overrides config)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.analyzeCmd(),
		c.limitsCmd(),
		c.ingestCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.archiveCmd(),
		c.signCmd(),
		c.verifyCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.dataset != "" {
		cfg.Dataset = c.dataset
	}
	return cfg, nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, c.logger)
}

func printJSON(w io.Writer, v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bytes))
	return err
}

// readInput reads a file argument; "-" means stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
