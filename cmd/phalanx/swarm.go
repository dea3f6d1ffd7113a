package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/events"
	execpkg "github.com/ecrain/phalanx/internal/exec"
	"github.com/ecrain/phalanx/internal/git"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/internal/swarm"
	"github.com/ecrain/phalanx/pkg/models"
)

var swarmWorkers int

var swarmCmd = &cobra.Command{
	Use:   "swarm <plan.yaml>",
	Short: "Run a flat task plan in parallel worktrees",
	Long: `Execute a swarm plan: a YAML file listing independent tasks with
optional dependencies and test commands.

Each worker gets an isolated git worktree on its own branch. Completed
tasks are merged one by one onto a staging branch; conflicting merges fail
the task and leave the staging branch clean. If more than the configured
share of tasks fail, the run aborts.

Example plan:

  tasks:
    - title: add parser
      description: implement the config parser
      test_command: go test ./parser/...
    - title: wire parser
      depends_on: [add parser]`,
	Args: cobra.ExactArgs(1),
	RunE: runSwarmCmd,
}

func init() {
	swarmCmd.Flags().IntVar(&swarmWorkers, "workers", 0, "Number of parallel workers (default from config)")
}

func runSwarmCmd(cmd *cobra.Command, args []string) error {
	tasks, err := swarm.LoadPlan(args[0])
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if swarmWorkers > 0 {
		cfg.Swarm.MaxWorkers = swarmWorkers
	}

	roles, err := config.LoadRoleCatalog(cwd)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}

	client, err := runtime.NewClient(runtime.ClientConfig{
		Model:         cfg.Anthropic.Model,
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(256)
	coordinator := swarm.NewCoordinator(swarm.Options{
		Config:      cfg,
		Roles:       roles,
		Repo:        git.NewRunner(cwd),
		Runtime:     runtime.NewAPIRuntime(client),
		Commands:    execpkg.NewRunner(),
		ProjectRoot: cwd,
		Emitter:     emitter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		color.Yellow("interrupt received, cancelling swarm")
		coordinator.CancelSwarm()
		cancel()
	}()

	go func() {
		for ev := range emitter.Events() {
			switch ev.Type {
			case events.SwarmTaskStarted:
				color.Cyan("task started: %s", ev.Message)
			case events.SwarmTaskMerged:
				color.Green("task merged:  %s", ev.Message)
			case events.SwarmTaskFailed:
				color.Red("task failed:  %s", ev.Message)
			case events.SwarmAborted:
				color.Red("swarm aborted: %s", ev.Message)
			}
		}
	}()

	color.Cyan("Running %d tasks with up to %d workers", len(tasks), cfg.Swarm.MaxWorkers)
	runErr := coordinator.RunSwarm(ctx, tasks)

	printSwarmSummary(coordinator)
	if runErr != nil {
		return runErr
	}
	if staging := coordinator.StagingBranch(); staging != "" {
		color.Cyan("merged work is on branch %s", staging)
	}
	return nil
}

// printSwarmSummary renders the final per-task outcome table.
func printSwarmSummary(c *swarm.Coordinator) {
	fmt.Println()
	merged, failed := 0, 0
	for _, t := range c.Tasks() {
		switch t.Status {
		case models.SwarmTaskMerged:
			merged++
			color.Green("  merged  %s", t.Title)
		case models.SwarmTaskFailed:
			failed++
			msg := t.Error
			if len(t.ConflictFiles) > 0 {
				msg = fmt.Sprintf("%s (%v)", msg, t.ConflictFiles)
			}
			color.Red("  failed  %s: %s", t.Title, msg)
		default:
			fmt.Printf("  %-7s %s\n", t.Status, t.Title)
		}
	}
	fmt.Printf("\n%d merged, %d failed, %d total\n", merged, failed, len(c.Tasks()))
}
