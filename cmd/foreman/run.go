package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/config"
	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/health"
	"github.com/wavework/foreman/internal/manifest"
	"github.com/wavework/foreman/internal/metrics"
	"github.com/wavework/foreman/internal/orchestrator"
	"github.com/wavework/foreman/internal/pool"
	"github.com/wavework/foreman/internal/queue"
	"github.com/wavework/foreman/internal/state"
)

var (
	runWatch   bool
	runNoStore bool
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Execute a manifest end to end",
	Long: `Plan the manifest and execute every feature across the declared
servers, batch by batch in dependency order. Sessions, plans, and task
outcomes are recorded in the project state database.

With --watch, foreman stays running and re-executes the manifest each
time the file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Re-run when the manifest changes")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Skip session persistence")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	manifestPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	var store state.Store
	if !runNoStore {
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
		store = db
	}

	bus, closeBus := newBus(cfg, logger)
	defer closeBus()

	orch := newOrchestrator(cfg, logger, bus, store, nil)
	defer orch.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runWatch {
		return runOnce(ctx, orch, manifestPath)
	}
	return watchAndRun(ctx, orch, manifestPath, logger)
}

// newOrchestrator wires an orchestrator from config. Store and collector
// may be nil.
func newOrchestrator(cfg *config.Config, logger *zap.Logger, bus events.Bus, store state.Store, collector *metrics.Collector) *orchestrator.Orchestrator {
	q := queue.NewQueue(
		queue.WithLogger(logger),
		queue.WithEventBus(bus),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithConcurrentTasks(cfg.Queue.ConcurrentTasks),
	)
	monitorOpts := []health.Option{
		health.WithLogger(logger),
		health.WithEventBus(bus),
		health.WithThresholds(cfg.Health.DegradedThreshold, cfg.Health.OfflineThreshold),
		health.WithCheckInterval(cfg.Health.CheckInterval),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
	}
	if collector != nil {
		monitorOpts = append(monitorOpts, health.WithMetrics(collector))
	}
	p := pool.NewPool(
		pool.WithLogger(logger),
		pool.WithEventBus(bus),
		pool.WithStrategy(cfg.Pool.LoadBalancingStrategy()),
		pool.WithMonitor(health.NewMonitor(monitorOpts...)),
	)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithEventBus(bus),
		orchestrator.WithQueue(q),
		orchestrator.WithPool(p),
		orchestrator.WithPlannerOptions(cfg.Planner.Options()),
	}
	if store != nil {
		opts = append(opts, orchestrator.WithStore(store))
	}
	if collector != nil {
		opts = append(opts, orchestrator.WithMetrics(collector))
	}
	return orchestrator.NewOrchestrator(opts...)
}

// runOnce executes the manifest a single time and prints the summary.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, manifestPath string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	result, err := orch.RunSession(ctx, m, manifestPath)
	if err != nil {
		return err
	}
	printResult(result)
	if !result.Succeeded() {
		return fmt.Errorf("%d of %d tasks failed", result.Failed, result.Completed+result.Failed)
	}
	return nil
}

// watchAndRun executes the manifest now and again on every write to it,
// until interrupted.
func watchAndRun(ctx context.Context, orch *orchestrator.Orchestrator, manifestPath string, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(manifestPath)); err != nil {
		return fmt.Errorf("watch %s: %w", manifestPath, err)
	}

	if err := runOnce(ctx, orch, manifestPath); err != nil {
		logger.Warn("run failed, watching for changes", zap.Error(err))
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != manifestPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			color.New(color.FgYellow).Println("manifest changed, re-running")
			if err := runOnce(ctx, orch, manifestPath); err != nil {
				logger.Warn("run failed, watching for changes", zap.Error(err))
			}
		}
	}
}

func printResult(result *orchestrator.SessionResult) {
	bold := color.New(color.Bold)
	if result.Succeeded() {
		color.New(color.FgGreen, color.Bold).Print("Session completed")
	} else {
		color.New(color.FgRed, color.Bold).Print("Session failed")
	}
	fmt.Printf("  (%s)\n", result.Duration.Round(time.Millisecond))
	bold.Printf("  session: %s\n", result.SessionID)
	fmt.Printf("  completed: %d  failed: %d\n", result.Completed, result.Failed)
}
