package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/leafsync/internal/httpapi"
	"github.com/roach88/leafsync/internal/mutator"
	"github.com/roach88/leafsync/internal/schema"
	"github.com/roach88/leafsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configPath string
		listen     string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the HTTP sync server.

Accepts pushes and pulls from replicas over HTTP and broadcasts commit
pokes over a websocket channel. Flags override config file values.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultServerConfig()
			if configPath != "" {
				loaded, err := LoadServerConfig(configPath)
				if err != nil {
					return WrapExitError(ExitCommandError, "load config", err)
				}
				cfg = loaded
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dbPath != "" {
				cfg.Database = dbPath
			}
			return runServe(cmd.Context(), rootOpts, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to server config YAML")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, cfg ServerConfig) error {
	logger := newLogger(opts)

	var hub *httpapi.Hub
	serverOpts := []server.Option{server.WithLogger(logger)}
	if cfg.Poke {
		hub = httpapi.NewHub(logger)
		serverOpts = append(serverOpts, server.WithOnCommit(hub.Broadcast))
	}

	srv, err := server.Open(cfg.Database, schema.Leaflet(), mutator.Leaflet(), serverOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "open server database", err)
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: httpapi.Handler(srv, hub, logger),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "db", cfg.Database, "poke", cfg.Poke)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
