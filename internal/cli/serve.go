package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/auth"
	"github.com/roach88/entsync/internal/authority"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/wire"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config   string
	Listen   string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync authority",
		Long: `Run the reference authority over HTTP.

Endpoints:
  /socket   WebSocket sync channels (join, push, broadcast)
  /request  remote documents: fetchOne, fetchAll and the CRM commands
  /metrics  Prometheus metrics

Records and committed packets are kept in SQLite. Seed files listed in the
config are upserted on start. --listen and --db override the config.

Examples:
  entsync serve
  entsync serve --config entsync.yaml
  entsync serve --listen :8080 --db /tmp/entsync.db -v`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to entsync.yaml")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

// loadServeConfig resolves the config file and flag overrides.
func loadServeConfig(opts *ServeOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := newLogger(os.Stderr, cfg.Level(), opts.Verbose)
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	handler, closeFn, err := newServeHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Error("error closing authority", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Info("authority listening", "addr", ln.Addr().String(), "db", cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("authority stopped")
	return nil
}

// newServeHandler opens the store, seeds it and builds the HTTP mux. The
// returned func closes the authority and then the store.
func newServeHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func() error, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	a := authority.New(st, authority.WithLogger(logger), authority.WithMetrics(met))
	closeFn := func() error {
		return errors.Join(a.Close(), st.Close())
	}

	for _, kind := range cfg.SeedKinds() {
		path := cfg.SeedPath(kind)
		records, err := config.LoadSeeds(path)
		if err == nil {
			err = a.Seed(ctx, kind, records)
		}
		if err != nil {
			_ = closeFn()
			return nil, nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to seed %s", kind), err)
		}
		logger.Info("seeded", "kind", kind, "records", len(records), "file", path)
	}

	var wopts []wire.ServerOption
	wopts = append(wopts, wire.WithServerLogger(logger))
	if cfg.Auth != nil {
		signer, err := auth.NewSigner(cfg.Auth.Secret)
		if err != nil {
			_ = closeFn()
			return nil, nil, WrapExitError(ExitCommandError, "invalid auth config", err)
		}
		wopts = append(wopts, wire.WithVerifier(signer))
	}

	mux := http.NewServeMux()
	mux.Handle("/socket", wire.NewServer(a.Transport(), wopts...))
	mux.Handle("/request", remote.Handler(a.Client()))
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux, closeFn, nil
}
