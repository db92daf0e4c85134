package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/api"
	"github.com/Mindburn-Labs/routeledger/pkg/checkpoint"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, addr string) error {
	rt, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if addr == "" {
		addr = rt.cfg.Server.Addr
	}

	serverOpts := []api.Option{api.WithLogger(rt.logger.With("component", "api"))}
	if rt.cfg.Checkpoint.KeyPath != "" {
		key, err := checkpoint.LoadPrivateKey(rt.cfg.Checkpoint.KeyPath)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithSigner(checkpoint.NewSigner(key, rt.cfg.Checkpoint.Issuer)))
	}

	// Refuse to serve a ledger that is already broken.
	res, err := rt.ledger.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if !res.Valid {
		return &exitError{code: 1, err: res.Err()}
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewServer(rt.ledger, serverOpts...).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.InfoContext(ctx, "listening", "addr", addr, "backend", rt.cfg.Store.Backend, "entries", res.Checked)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	rt.logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
