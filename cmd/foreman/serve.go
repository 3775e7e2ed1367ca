package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/metrics"
	"github.com/wavework/foreman/internal/server"
	"github.com/wavework/foreman/internal/state"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the orchestrator over an HTTP API",
	Long: `Run foreman as a long-lived service. The API accepts manifest
submissions, runs sessions, and exposes queue, pool, and session state.

Endpoints include:
  POST /api/v1/plans      build a plan from a manifest body
  POST /api/v1/sessions   run a manifest end to end
  GET  /api/v1/sessions   session history
  GET  /api/v1/events/ws  WebSocket event stream
  GET  /metrics           Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	bus, closeBus := newBus(cfg, logger)
	defer closeBus()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	orch := newOrchestrator(cfg, logger, bus, db, collector)
	defer orch.Shutdown()

	srv := server.NewServer(server.Config{
		Addr:         addr,
		Orchestrator: orch,
		Store:        db,
		Bus:          bus,
		Gatherer:     registry,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return nil
}
