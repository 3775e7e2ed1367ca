package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavework/foreman/internal/graph"
	"github.com/wavework/foreman/internal/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest for structural and dependency errors",
	Long: `Parse the manifest and verify its dependency graph: every
dependency must reference a declared feature and the graph must be
acyclic. Exits non-zero when validation fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	a := graph.NewAnalyzer()
	for _, f := range m.Features {
		if err := a.AddFeature(f); err != nil {
			return err
		}
	}

	result := a.Validate()
	if !result.Valid {
		color.New(color.FgRed, color.Bold).Println("Validation failed")
		for _, msg := range result.Errors {
			fmt.Printf("  %s\n", msg)
		}
		return fmt.Errorf("%d dependency errors", len(result.Errors))
	}

	report := a.DetectCycles()
	if report.HasCycles {
		color.New(color.FgRed, color.Bold).Println("Circular dependencies detected")
		for _, cycle := range report.Cycles {
			fmt.Printf("  %v\n", cycle)
		}
		return fmt.Errorf("%d cycles", len(report.Cycles))
	}

	batches, err := a.GenerateBatches()
	if err != nil {
		return err
	}
	color.New(color.FgGreen, color.Bold).Printf("Manifest valid: %d features, %d batches, %d workers, %d servers\n",
		len(m.Features), len(batches), len(m.Workers), len(m.Servers))
	return nil
}
