package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-spc/internal/app"
	"github.com/celerix-dev/celerix-spc/internal/archive"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/records"
)

func (c *cli) ingestCmd() *cobra.Command {
	var delimiter string
	cmd := &cobra.Command{
		Use:   "ingest <kind> <file>",
		Short: "Normalize a payload and store its records",
		Long: `Runs a payload through the normalizer for the given source kind
(manual, api, gateway, platform, file) and stores the records. Use "-" to read
from stdin. Webhook payloads need a signature; use the daemon's webhook endpoint.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ingest.Kind(strings.ToLower(args[0]))
			if kind == ingest.KindWebhook {
				return fmt.Errorf("webhook payloads must be signed; post them to the daemon")
			}
			src, err := ingest.ForKind(kind)
			if err != nil {
				return err
			}
			if kind == ingest.KindFile && delimiter != "" {
				src = ingest.File{Delimiter: []rune(delimiter)[0]}
			}
			raw, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Pipeline.Ingest(cmd.Context(), src, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records from %s\n", res.Count, res.Source)
			return nil
		},
	}
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "CSV field delimiter for file payloads")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		out       string
		toArchive bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dataset as a JSON bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			bundle, err := a.Records.Export()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return err
			}

			var location string
			g, ctx := errgroup.WithContext(cmd.Context())
			if out != "" {
				g.Go(func() error {
					return os.WriteFile(out, data, 0o644)
				})
			}
			if toArchive {
				g.Go(func() error {
					sink, err := app.NewArchive(ctx, a.Config)
					if err != nil {
						return err
					}
					location, err = sink.Put(ctx, archive.BundleName(bundle.Dataset, bundle.ExportedAt), data)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			}
			if location != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "archived to %s\n", location)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the bundle to a file instead of stdout")
	cmd.Flags().BoolVar(&toArchive, "archive", false, "also store the bundle in the configured archive")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var fromArchive bool
	cmd := &cobra.Command{
		Use:   "import <file|archive-name>",
		Short: "Replace the dataset with an exported bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var raw []byte
			if fromArchive {
				sink, err := app.NewArchive(cmd.Context(), a.Config)
				if err != nil {
					return err
				}
				if raw, err = sink.Get(cmd.Context(), args[0]); err != nil {
					return err
				}
			} else if raw, err = readInput(cmd, args[0]); err != nil {
				return err
			}

			bundle, err := records.ParseBundle(raw)
			if err != nil {
				return err
			}
			if err := a.Records.Import(bundle); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records and %d limits into %s\n",
				len(bundle.Data), len(bundle.Limits), a.Config.Dataset)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromArchive, "from-archive", false, "read the bundle from the configured archive")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "List bundles in the configured archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			sink, err := app.NewArchive(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			names, err := sink.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
