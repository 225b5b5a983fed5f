package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/colloquy"
	"github.com/hupe1980/colloquy/blob"
	"github.com/hupe1980/colloquy/eventstore"
	"github.com/hupe1980/colloquy/idempotency"
	"github.com/hupe1980/colloquy/lifecycle"
	"github.com/hupe1980/colloquy/logging"
	"github.com/hupe1980/colloquy/transport"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the "colloquyd serve" subcommand.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.Log)

	opts := []func(o *colloquy.Options){func(o *colloquy.Options) {
		o.GuidanceDeadline = time.Duration(cfg.GuidanceDeadline)
		o.Logger = logger
	}}

	if cfg.Database != "" {
		db, err := eventstore.OpenDB(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		events, err := eventstore.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		idem, err := idempotency.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		blobs, err := blob.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		registry, err := lifecycle.NewSQLiteRegistry(db)
		if err != nil {
			return err
		}
		opts = append(opts, func(o *colloquy.Options) {
			o.Events = events
			o.Idempotency = idem
			o.Blobs = blobs
			o.Registry = registry
		})
	}

	c := colloquy.New(opts...)
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restart agent loops that were running before the last shutdown.
	if err := c.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resume agents: %w", err)
	}

	server := transport.NewServer(c.Orchestrator(), func(o *transport.ServerOptions) {
		o.Host = c.Host()
		o.OriginPatterns = cfg.Origins
		o.Logger = logger
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, server.HandleWebSocket)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Listen, "path", cfg.Path, "database", cfg.Database)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newLogger builds the process logger from config.
func newLogger(cfg LogConfig) logging.Logger {
	level := logging.LogLevelInfo
	switch cfg.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	}
	return logging.NewSlogLogger(level, cfg.Format, false)
}
