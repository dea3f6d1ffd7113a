package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ecrain/phalanx/internal/state"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last workflow and recent transitions",
	Long: `Display the project's orchestration state.

Shows the most recently saved workflow snapshot and the tail of the
transition journal (.phalanx/state.db).`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of journal entries to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No state recorded. Run 'phalanx run <task>' to start.")
		return nil
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	journal := state.NewJournal(db)

	wf, err := journal.LatestWorkflow()
	if err != nil {
		return err
	}
	if wf != nil {
		printWorkflowSummary(wf)
	} else {
		fmt.Println("No workflow snapshot recorded.")
	}

	transitions, err := journal.RecentTransitions(statusLimit)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return nil
	}

	fmt.Println()
	color.Cyan("Recent transitions:")
	for _, t := range transitions {
		line := fmt.Sprintf("  %s %-8s %-12s %s -> %s",
			t.RecordedAt.Format("15:04:05"), t.EntityKind, shortID(t.EntityID), t.From, t.To)
		if t.Detail != "" {
			line += " (" + t.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}
