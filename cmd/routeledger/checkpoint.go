package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/checkpoint"
)

func newCheckpointCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Sign or manage checkpoints of the chain head",
	}
	cmd.AddCommand(newCheckpointSignCommand(opts))
	cmd.AddCommand(newCheckpointKeygenCommand())
	return cmd
}

func newCheckpointSignCommand(opts *rootOptions) *cobra.Command {
	var keyPath, out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign the current ledger size and chain head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if keyPath == "" {
				keyPath = rt.cfg.Checkpoint.KeyPath
			}
			if keyPath == "" {
				return errors.New("--key or checkpoint.key_path is required")
			}
			key, err := checkpoint.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}

			token, err := checkpoint.NewSigner(key, rt.cfg.Checkpoint.Issuer).Checkpoint(ctx, rt.store)
			if err != nil {
				if errors.Is(err, checkpoint.ErrInvalidCheckpoint) {
					return &exitError{code: 1, err: err}
				}
				return err
			}
			if out != "" {
				return os.WriteFile(out, []byte(token+"\n"), 0o600)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "Ed25519 private key (PEM); defaults to checkpoint.key_path")
	cmd.Flags().StringVar(&out, "out", "", "write the token to this file")
	return cmd
}

func newCheckpointKeygenCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key and its public half",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			priv, privPEM, err := checkpoint.GenerateKey()
			if err != nil {
				return err
			}
			pubPEM, err := checkpoint.EncodePublicKey(checkpoint.NewSigner(priv, "").Public())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(out+".pub", pubPEM, 0o644); err != nil { //nolint:gosec // public key
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s.pub\n", out, out)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "private key path; the public key is written to <out>.pub")
	return cmd
}
