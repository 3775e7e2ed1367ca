package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavework/foreman/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session history",
	Long: `Display the active session, if any, and recent session history
from the project state database.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No sessions recorded. Run 'foreman run <manifest>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	active, err := db.GetActiveSession()
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}
	if active != nil {
		color.New(color.Bold).Println("Active session")
		printSession(db, active)
		fmt.Println()
	}

	sessions, err := db.ListSessions(nil)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded. Run 'foreman run <manifest>' to start.")
		return nil
	}

	color.New(color.Bold).Println("Recent sessions")
	const limit = 10
	for i := range sessions {
		if i >= limit {
			break
		}
		s := &sessions[i]
		if active != nil && s.ID == active.ID {
			continue
		}
		printSession(db, s)
	}
	return nil
}

func printSession(db *state.DB, s *state.Session) {
	statusColor := color.New(color.FgYellow)
	switch s.Status {
	case state.SessionCompleted:
		statusColor = color.New(color.FgGreen)
	case state.SessionFailed, state.SessionCanceled:
		statusColor = color.New(color.FgRed)
	}

	fmt.Printf("  %s  ", s.ID)
	statusColor.Printf("%-10s", s.Status)
	fmt.Printf("  %d features  started %s",
		s.TotalFeatures, s.StartedAt.Local().Format(time.RFC822))
	if s.CompletedAt != nil {
		fmt.Printf("  took %s", s.CompletedAt.Sub(s.StartedAt).Round(time.Second))
	}
	fmt.Println()

	outcomes, err := db.ListTaskOutcomes(s.ID)
	if err != nil || len(outcomes) == 0 {
		return
	}
	var failed int
	for _, o := range outcomes {
		if o.Status == "failed" {
			failed++
		}
	}
	if failed > 0 {
		color.New(color.FgRed).Printf("    %d of %d tasks failed\n", failed, len(outcomes))
	}
}
