package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/archive"
)

func newExportCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a verified, compressed bundle of the ledger",
		Long: `Export verifies the ledger and writes it as a zstd-compressed bundle.

With --out the bundle is written to that file; otherwise it is stored in the
configured archive sink (archive.type) under a generated name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			bundle, err := archive.Export(ctx, rt.store)
			if err != nil {
				return err
			}
			data, err := archive.Encode(bundle)
			if err != nil {
				return err
			}

			dest := out
			if out != "" {
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("write bundle: %w", err)
				}
			} else {
				sink, err := archive.NewSink(ctx, rt.cfg.Archive)
				if err != nil {
					return err
				}
				if err := sink.Put(ctx, bundle.Name(), data); err != nil {
					return err
				}
				dest = bundle.Name()
			}

			rt.logger.InfoContext(ctx, "exported ledger",
				"bundle_id", bundle.BundleID,
				"entries", bundle.EntryCount,
				"chain_head", bundle.ChainHead,
				"bytes", len(data),
			)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dest)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the bundle to this file instead of the archive sink")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var in, name string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore a bundle into an empty ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (in == "") == (name == "") {
				return fmt.Errorf("exactly one of --in or --name is required")
			}
			ctx := cmd.Context()
			rt, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var data []byte
			if in != "" {
				data, err = os.ReadFile(in)
			} else {
				var sink archive.Sink
				if sink, err = archive.NewSink(ctx, rt.cfg.Archive); err == nil {
					data, err = sink.Get(ctx, name)
				}
			}
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}

			n, err := archive.Import(ctx, data, rt.store, rt.ledger.Locker())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "bundle file to import")
	cmd.Flags().StringVar(&name, "name", "", "bundle name in the configured archive sink")
	return cmd
}
