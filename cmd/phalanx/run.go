package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/decision"
	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/lifecycle"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/internal/signal"
	"github.com/ecrain/phalanx/internal/state"
	"github.com/ecrain/phalanx/internal/workflow"
	"github.com/ecrain/phalanx/pkg/models"
)

var (
	runSkipPlan   bool
	runSkipReview bool
	runModel      string
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a phased workflow for a task",
	Long: `Run a workflow for the given task description.

By default the workflow has three phases: a planning phase (read-only
planner agent), an implementation phase (coder agent), and a review phase
(reviewer agent) gated on your approval. Phases run in order; each phase's
output is carried into the next phase's task context.

Pause or stop a run from another terminal by touching files under
.phalanx/signals (pause, kill).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runSkipPlan, "skip-plan", false, "Skip the planning phase")
	runCmd.Flags().BoolVar(&runSkipReview, "skip-review", false, "Skip the review phase and its approval gate")
	runCmd.Flags().StringVar(&runModel, "model", "", "Override the configured model")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runModel != "" {
		cfg.Anthropic.Model = runModel
	}

	roles, err := config.LoadRoleCatalog(cwd)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	journal := state.NewJournal(db)

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
	rt := runtime.NewAPIRuntime(client)

	emitter := events.NewEmitter(256)
	mgr := lifecycle.NewManager(lifecycle.Options{
		Config:   cfg,
		Roles:    roles,
		Runtime:  rt,
		WorkDir:  cwd,
		Emitter:  emitter,
		Recorder: journal,
	})
	orch := workflow.NewOrchestrator(cfg, mgr, emitter, journal)
	dbg := workflow.NewDebugLoggerForRepo(cwd)
	defer dbg.Close()
	orch.SetDebugLogger(dbg)

	signals, err := signal.NewWatcher(cwd)
	if err != nil {
		return fmt.Errorf("signal watcher: %w", err)
	}
	defer signals.Close()

	queue := decision.NewQueue(orch, mgr)

	wf := buildWorkflow(task)
	color.Cyan("Starting workflow %s (%d phases)", wf.Name, len(wf.Phases))

	go func() {
		if err := orch.StartWorkflow(context.Background(), wf); err != nil {
			color.Red("workflow start: %v", err)
		}
	}()

	err = watchRun(orch, mgr, queue, emitter, signals)

	if final := orch.Workflow(); final != nil {
		if serr := journal.SaveWorkflow(final); serr != nil {
			color.Yellow("save workflow snapshot: %v", serr)
		}
		printWorkflowSummary(final)
	}
	return err
}

// buildWorkflow assembles the default phase sequence for a task.
func buildWorkflow(task string) *models.Workflow {
	var phases []*models.Phase
	if !runSkipPlan {
		phases = append(phases, &models.Phase{
			ID:          uuid.New().String(),
			Name:        "plan",
			Description: "Plan how to accomplish this request, as a numbered task list:\n" + task,
			Metadata:    map[string]string{workflow.MetaAgentTypes: string(models.AgentTypePlanner)},
		})
	}
	phases = append(phases, &models.Phase{
		ID:          uuid.New().String(),
		Name:        "implement",
		Description: task,
		Metadata:    map[string]string{workflow.MetaAgentTypes: string(models.AgentTypeCoder)},
	})
	if !runSkipReview {
		phases = append(phases, &models.Phase{
			ID:               uuid.New().String(),
			Name:             "review",
			Description:      "Review the changes made for this request and report problems:\n" + task,
			Metadata:         map[string]string{workflow.MetaAgentTypes: string(models.AgentTypeReviewer)},
			RequiresApproval: true,
		})
	}

	return &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "run",
		Description: task,
		Status:      models.WorkflowStatusPending,
		Phases:      phases,
		CreatedAt:   time.Now(),
	}
}

// watchRun drives the terminal UI for one workflow: it prints events,
// reacts to file signals, and prompts for pending decisions until the
// workflow reaches a terminal state.
func watchRun(orch *workflow.Orchestrator, mgr *lifecycle.Manager, queue *decision.Queue, emitter *events.Emitter, signals *signal.Watcher) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	stdin := bufio.NewReader(os.Stdin)
	prompted := make(map[string]bool)

	for {
		select {
		case ev := <-emitter.Events():
			printEvent(ev)
			switch ev.Type {
			case events.WorkflowCompleted:
				return nil
			case events.WorkflowFailed:
				return fmt.Errorf("workflow failed")
			case events.WorkflowCancelled:
				return fmt.Errorf("workflow cancelled")
			}

		case sig := <-signals.Signals():
			handleSignal(sig, orch, mgr)

		case <-ticker.C:
			if signals.ShouldStop() {
				color.Yellow("kill signal received, cancelling workflow")
				if err := orch.CancelWorkflow(); err != nil {
					color.Red("cancel: %v", err)
				}
				return fmt.Errorf("workflow cancelled by signal")
			}
			primary, ok := queue.Primary()
			if !ok {
				continue
			}
			key := string(primary.Type) + "/" + primary.PhaseID + "/" + primary.AgentID
			if prompted[key] {
				continue
			}
			prompted[key] = true
			resolveDecision(primary, orch, mgr, stdin)
		}
	}
}

// handleSignal applies one file signal to the running workflow.
func handleSignal(sig signal.Signal, orch *workflow.Orchestrator, mgr *lifecycle.Manager) {
	switch sig.Kind {
	case signal.KindPause:
		if sig.AgentID != "" {
			color.Yellow("pause signal for agent %s", sig.AgentID)
			mgr.PauseAgent(sig.AgentID)
			return
		}
		color.Yellow("pause signal received, pausing all agents")
		for _, a := range mgr.Agents() {
			if a.Status == models.AgentStatusRunning || a.Status == models.AgentStatusPending {
				mgr.PauseAgent(a.ID)
			}
		}
	case signal.KindKill:
		color.Yellow("kill signal received, cancelling workflow")
		if err := orch.CancelWorkflow(); err != nil {
			color.Red("cancel: %v", err)
		}
	}
}

// resolveDecision prompts for one pending decision on stdin.
func resolveDecision(d models.PendingDecision, orch *workflow.Orchestrator, mgr *lifecycle.Manager, stdin *bufio.Reader) {
	color.Magenta("\n%s", d.Label)
	if d.Description != "" {
		fmt.Println(d.Description)
	}

	switch d.Type {
	case models.DecisionSafetyApproval:
		answer := ask(stdin, "Allow this action? [y/N] ")
		a, ok := mgr.Agent(d.AgentID)
		if !ok || len(a.PendingApprovals) == 0 {
			return
		}
		err := mgr.ResolveApproval(context.Background(), d.AgentID, a.PendingApprovals[0], answer == "y")
		if err != nil {
			color.Red("resolve approval: %v", err)
		}

	case models.DecisionPhaseApproval:
		answer := ask(stdin, "Approve this phase? [y/N] ")
		var err error
		if answer == "y" {
			err = orch.ApprovePhase(context.Background(), d.PhaseID)
		} else {
			err = orch.RejectPhase(d.PhaseID, "rejected from terminal")
		}
		if err != nil {
			color.Red("%v", err)
		}

	case models.DecisionTimeoutRecovery:
		answer := ask(stdin, "Approval timed out. [r]ecover, [a]pprove, re[j]ect? ")
		var err error
		switch answer {
		case "a":
			err = orch.ApprovePhase(context.Background(), d.PhaseID)
		case "j":
			err = orch.RejectPhase(d.PhaseID, "rejected after timeout")
		default:
			err = orch.RecoverApprovalTimeout(d.PhaseID)
		}
		if err != nil {
			color.Red("%v", err)
		}

	case models.DecisionErrorRecovery:
		answer := ask(stdin, "Agent failed. [r]etry, [s]kip, [c]ancel? ")
		switch answer {
		case "s":
			if err := mgr.SkipAgent(d.AgentID); err != nil {
				color.Red("skip: %v", err)
			}
		case "c":
			mgr.CancelAgent(d.AgentID)
		default:
			if _, err := mgr.RetryAgent(context.Background(), d.AgentID); err != nil {
				color.Red("retry: %v", err)
			}
		}
	}
}

func ask(stdin *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(line))
}

// printEvent renders one event line.
func printEvent(ev events.Event) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case events.PhaseStarted:
		color.Cyan("%s phase started: %s", ts, ev.PhaseID)
	case events.PhaseAwaitingApproval:
		color.Magenta("%s phase awaiting approval: %s", ts, ev.PhaseID)
	case events.PhaseCompleted:
		color.Green("%s phase completed: %s", ts, ev.PhaseID)
	case events.PhaseFailed:
		color.Red("%s phase failed: %s (%s)", ts, ev.PhaseID, ev.Message)
	case events.WorkflowCompleted:
		color.Green("%s workflow completed", ts)
	case events.WorkflowFailed:
		color.Red("%s workflow failed: %s", ts, ev.Message)
	case events.WorkflowCancelled:
		color.Yellow("%s workflow cancelled", ts)
	case events.AgentStatusChanged:
		fmt.Printf("%s agent %s -> %s\n", ts, shortID(ev.AgentID), ev.Status)
	case events.AgentProgress:
		// Incremental output is noisy; show a trimmed single line.
		line := strings.SplitN(strings.TrimSpace(ev.Message), "\n", 2)[0]
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		if line != "" {
			fmt.Printf("%s   %s\n", ts, line)
		}
	}
}

// printWorkflowSummary renders the final per-phase outcome table.
func printWorkflowSummary(wf *models.Workflow) {
	fmt.Println()
	color.Cyan("Workflow %s: %s", wf.Name, wf.Status)
	for i, p := range wf.Phases {
		line := fmt.Sprintf("  %d. %-12s %s", i+1, p.Name, p.Status)
		switch p.Status {
		case models.PhaseStatusCompleted:
			color.Green("%s", line)
		case models.PhaseStatusFailed:
			color.Red("%s", line)
		default:
			fmt.Println(line)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
