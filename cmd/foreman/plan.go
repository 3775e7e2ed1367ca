package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavework/foreman/internal/manifest"
	"github.com/wavework/foreman/internal/orchestrator"
	"github.com/wavework/foreman/pkg/models"
)

var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Build and display an execution plan without running it",
	Long: `Analyze a manifest's dependency graph and print the execution plan:
batches in dependency order, the worker assigned to each feature, and
per-batch and total time estimates.

The manifest is a YAML file declaring features, workers, and servers:

  features:
    - id: db-schema
      agent_type: backend
      priority: high
    - id: api
      agent_type: backend
      dependencies: [db-schema]
  workers:
    - id: w1
      capabilities: [backend]
  servers:
    - id: s1
      url: http://localhost:9001`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m, err := manifest.Load(args[0])
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	orch := orchestrator.NewOrchestrator(
		orchestrator.WithLogger(logger),
		orchestrator.WithPlannerOptions(cfg.Planner.Options()),
	)
	defer orch.Shutdown()

	plan, err := orch.PlanManifest(m)
	if err != nil {
		return err
	}

	printPlan(plan)
	return nil
}

func printPlan(plan *models.ExecutionPlan) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	bold.Printf("Execution plan: %d features in %d batches, estimated %s\n\n",
		plan.TotalFeatures, len(plan.Batches), formatDuration(plan.TotalEstimatedTime))

	for i, batch := range plan.Batches {
		cyan.Printf("Batch %d", i+1)
		fmt.Printf("  (%s)\n", formatDuration(batch.EstimatedTime))
		for _, a := range batch.Assignments {
			fmt.Printf("  %-24s -> %-12s %s\n",
				a.FeatureID, a.WorkerID, formatDuration(a.EstimatedTime))
		}
		fmt.Println()
	}

	if len(plan.WorkerUtilization) > 0 {
		bold.Println("Worker utilization")
		for worker, frac := range plan.WorkerUtilization {
			green.Printf("  %-12s", worker)
			fmt.Printf(" %5.1f%%\n", frac*100)
		}
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
