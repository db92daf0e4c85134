package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/routeledger/pkg/annotate"
	"github.com/Mindburn-Labs/routeledger/pkg/config"
	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
	"github.com/Mindburn-Labs/routeledger/pkg/lock"
	"github.com/Mindburn-Labs/routeledger/pkg/observability"
	"github.com/Mindburn-Labs/routeledger/pkg/store"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	backend    string
	location   string

	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stderr: stderr}

	cmd := &cobra.Command{
		Use:           "routeledger",
		Short:         "Tamper-evident ledger for routing decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "override store.backend (file|sqlite|postgres|memory)")
	cmd.PersistentFlags().StringVar(&opts.location, "ledger", "", "override the store path or DSN")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	cmd.AddCommand(newLogsCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newCheckpointCommand(opts))

	return cmd
}

// load reads the configuration, applies flag overrides and installs the slog handler.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.backend != "" {
		cfg.Store.Backend = o.backend
	}
	if o.location != "" {
		if cfg.Store.Backend == store.BackendPostgres {
			cfg.Store.DSN = o.location
		} else {
			cfg.Store.Path = o.location
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(o.stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(o.stderr, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// runtime is an opened ledger with everything it was wired to.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	store     ledger.Store
	telemetry *observability.Provider
	closers   []func() error
}

func (r *runtime) Close(ctx context.Context) {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.WarnContext(ctx, "failed to close store", "error", err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
	if r.telemetry != nil {
		_ = r.telemetry.Shutdown(ctx)
	}
}

// open wires the store, writer lock, summarizer and telemetry named by the configuration.
func (o *rootOptions) open(ctx context.Context) (*runtime, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	rt.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     1.0,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}

	rt.store, err = store.Open(ctx, cfg.Store.Backend, cfg.Store.Location())
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithObserver(rt.telemetry),
	}

	if cfg.Lock.Backend == "redis" {
		rl := lock.NewRedisFromAddr(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB, cfg.Lock.Key, cfg.Lock.TTL)
		rt.closers = append(rt.closers, rl.Close)
		if err := rl.Ping(ctx); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("connect to redis lock at %s: %w", cfg.Lock.RedisAddr, err)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithLocker(rl))
	}

	if cfg.Annotator.Enabled {
		chat := annotate.NewChatAnnotator(cfg.Annotator.APIKey, cfg.Annotator.Model,
			annotate.WithEndpoint(cfg.Annotator.Endpoint),
			annotate.WithRegion(cfg.Annotator.Region),
		)
		var a ledger.Annotator = chat
		if cfg.Annotator.RPS > 0 {
			a = annotate.RateLimited(chat, cfg.Annotator.RPS, cfg.Annotator.Burst)
		}
		ledgerOpts = append(ledgerOpts,
			ledger.WithAnnotator(a),
			ledger.WithAnnotationTimeout(cfg.Annotator.Timeout),
		)
	}

	rt.ledger = ledger.New(rt.store, ledgerOpts...)
	return rt, nil
}
