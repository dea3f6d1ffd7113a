package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/lifecycle"
	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/pkg/models"
)

// Metadata keys the orchestrator reads and writes on phases.
const (
	// MetaAgentTypes is a comma-separated list of agent roles to spawn for
	// the phase. Defaults to a single coder.
	MetaAgentTypes = "agent_types"
	// MetaSpawnFailures records how many of the phase's agents failed to
	// spawn.
	MetaSpawnFailures = "spawn_failures"
	// MetaRejectionReason records why the phase was rejected.
	MetaRejectionReason = "rejection_reason"
)

// Orchestrator owns the workflow and its phases. All phase and workflow
// mutation happens through its methods, serialized by an operation version
// counter plus per-phase single-flight and in-flight guards.
type Orchestrator struct {
	cfg      *config.Config
	agents   *lifecycle.Manager
	emitter  *events.Emitter
	recorder lifecycle.Recorder

	mu sync.Mutex
	wf *models.Workflow
	// previousPhaseOutput is carried into the next phase's task context.
	previousPhaseOutput string
	// opVersion is bumped by every approve/reject/retry/cancel. A
	// completion check scheduled under an older version is a no-op.
	opVersion uint64
	// checkFlight is the per-phase single-flight lock for completion checks.
	checkFlight map[string]bool
	// checkAgain marks phases whose completion check was dropped while
	// another was mid-scan; the in-flight check reruns once it finishes.
	checkAgain map[string]bool
	// approveFlight and rejectFlight drop concurrent duplicate calls.
	approveFlight map[string]bool
	rejectFlight  map[string]bool
	approvalTimer *time.Timer
}

// NewOrchestrator creates an orchestrator over the given lifecycle manager
// and installs itself as the manager's terminal-agent handler.
func NewOrchestrator(cfg *config.Config, agents *lifecycle.Manager, emitter *events.Emitter, recorder lifecycle.Recorder) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:           cfg,
		agents:        agents,
		emitter:       emitter,
		recorder:      recorder,
		checkFlight:   make(map[string]bool),
		checkAgain:    make(map[string]bool),
		approveFlight: make(map[string]bool),
		rejectFlight:  make(map[string]bool),
	}
	agents.SetTerminalHandler(o.onAgentTerminal)
	return o
}

// SetDebugLogger installs the package debug logger.
func (o *Orchestrator) SetDebugLogger(l *DebugLogger) {
	setPackageLogger(l)
}

// Workflow returns a deep copy of the current workflow, or nil.
func (o *Orchestrator) Workflow() *models.Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wf.Clone()
}

// OperationVersion returns the current phase-operation version.
func (o *Orchestrator) OperationVersion() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opVersion
}

// Agents exposes the lifecycle manager for read access and agent commands.
func (o *Orchestrator) Agents() *lifecycle.Manager {
	return o.agents
}

// onAgentTerminal is invoked by the lifecycle manager whenever an agent
// reaches a terminal status. It captures the operation version at schedule
// time so a check queued for an already-advanced phase is dropped.
func (o *Orchestrator) onAgentTerminal(agentID string) {
	o.mu.Lock()
	version := o.opVersion
	o.mu.Unlock()
	debugLog("agent %s terminal, scheduling completion check at version %d", agentID, version)
	o.CheckPhaseCompletion(version)
}

// StartWorkflow tears down any previous workflow and agents, installs the
// new workflow at running, and executes its first phase.
func (o *Orchestrator) StartWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || len(wf.Phases) == 0 {
		return fmt.Errorf("start workflow: no phases")
	}

	o.mu.Lock()
	o.opVersion++
	o.stopApprovalTimerLocked()
	o.mu.Unlock()

	// Best-effort teardown of the previous run.
	o.agents.ClearAgents()

	o.mu.Lock()
	o.wf = wf
	o.previousPhaseOutput = ""
	o.checkFlight = make(map[string]bool)
	o.checkAgain = make(map[string]bool)
	o.approveFlight = make(map[string]bool)
	o.rejectFlight = make(map[string]bool)
	if wf.Status == "" {
		wf.Status = models.WorkflowStatusPending
	}
	wf.CurrentPhaseIndex = 0
	o.updateWorkflowStatusLocked(models.WorkflowStatusRunning)
	phase := wf.CurrentPhase()
	o.mu.Unlock()

	o.emit(events.Event{Type: events.WorkflowStarted, WorkflowID: wf.ID})
	return o.executePhase(ctx, phase.ID)
}

// executePhase marks the phase running and spawns its agents. Agents within
// a phase have no cross-agent dependencies. If no agent spawns successfully
// the phase and workflow fail; partial failures are recorded in metadata.
func (o *Orchestrator) executePhase(ctx context.Context, phaseID string) error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("execute phase: no workflow")
	}
	phase, _ := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("execute phase: unknown phase %s", phaseID)
	}
	o.updatePhaseStatusLocked(phase, models.PhaseStatusRunning)
	requests := o.phaseSpawnRequestsLocked(phase)
	version := o.opVersion
	workflowID := o.wf.ID
	o.mu.Unlock()

	o.emit(events.Event{Type: events.PhaseStarted, WorkflowID: workflowID, PhaseID: phaseID})

	type spawnResult struct {
		id  string
		err error
	}
	results := make([]spawnResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req lifecycle.SpawnRequest) {
			defer wg.Done()
			id, err := o.agents.SpawnAgent(ctx, req)
			results[i] = spawnResult{id, err}
		}(i, req)
	}
	wg.Wait()

	var spawned []string
	failures := 0
	for _, res := range results {
		if res.err != nil || res.id == "" {
			failures++
			continue
		}
		spawned = append(spawned, res.id)
	}

	o.mu.Lock()
	// The workflow may have been cancelled or retried while spawning.
	if o.opVersion != version {
		o.mu.Unlock()
		debugLog("phase %s: version moved during spawn, abandoning", phaseID)
		return nil
	}
	phase.AgentIDs = append(phase.AgentIDs, spawned...)
	if failures > 0 {
		phase.SetMeta(MetaSpawnFailures, fmt.Sprintf("%d", failures))
	}
	if len(phase.AgentIDs) == 0 {
		o.failPhaseLocked(phase, "no agents spawned successfully")
		o.mu.Unlock()
		return fmt.Errorf("execute phase %s: no agents spawned", phaseID)
	}
	o.mu.Unlock()

	// Agents may have gone terminal before AgentIDs was populated; run one
	// check now to cover that window.
	o.CheckPhaseCompletion(version)
	return nil
}

// phaseSpawnRequestsLocked derives the (type, task, config) tuples for a
// phase from its metadata and the previous phase's output.
func (o *Orchestrator) phaseSpawnRequestsLocked(phase *models.Phase) []lifecycle.SpawnRequest {
	typesRaw := phase.Metadata[MetaAgentTypes]
	var types []models.AgentType
	for _, t := range strings.Split(typesRaw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		types = append(types, models.AgentType(t))
	}
	if len(types) == 0 {
		types = []models.AgentType{models.AgentTypeCoder}
	}

	task := phase.Description
	if task == "" {
		task = phase.Name
	}
	if o.previousPhaseOutput != "" {
		task = fmt.Sprintf("%s\n\nOutput from the previous phase:\n%s", task, o.previousPhaseOutput)
	}

	requests := make([]lifecycle.SpawnRequest, 0, len(types))
	for _, t := range types {
		requests = append(requests, lifecycle.SpawnRequest{Type: t, Task: task})
	}
	return requests
}

// CheckPhaseCompletion re-evaluates the current phase. It is a strict no-op
// when expectedVersion is stale, when another check is already in flight
// for the phase, or when the current phase is not running. The phase
// succeeds only when every member agent is terminal.
func (o *Orchestrator) CheckPhaseCompletion(expectedVersion uint64) {
	o.mu.Lock()
	if expectedVersion != o.opVersion {
		o.mu.Unlock()
		debugLog("completion check: stale version %d (current %d), dropping", expectedVersion, o.opVersion)
		return
	}
	if o.wf == nil || o.wf.Status != models.WorkflowStatusRunning {
		o.mu.Unlock()
		return
	}
	phase := o.wf.CurrentPhase()
	if phase == nil || phase.Status != models.PhaseStatusRunning {
		o.mu.Unlock()
		return
	}
	if o.checkFlight[phase.ID] {
		// The in-flight check's snapshot may predate whatever triggered this
		// one, so queue a rerun instead of dropping it outright.
		o.checkAgain[phase.ID] = true
		o.mu.Unlock()
		debugLog("completion check already in flight for phase %s, queueing rerun", phase.ID)
		return
	}
	o.checkFlight[phase.ID] = true
	phaseID := phase.ID
	agentIDs := append([]string(nil), phase.AgentIDs...)
	o.mu.Unlock()

	defer o.finishCheck(phaseID, expectedVersion)

	if len(agentIDs) == 0 {
		return
	}

	allTerminal := true
	anyErrored := false
	var outputs []string
	for _, id := range agentIDs {
		a, ok := o.agents.Agent(id)
		if !ok {
			return
		}
		if !a.Status.Terminal() {
			allTerminal = false
			break
		}
		if a.Status == models.AgentStatusError {
			anyErrored = true
		}
		if a.Output != "" {
			outputs = append(outputs, a.Output)
		}
	}
	if !allTerminal {
		return
	}

	o.mu.Lock()
	// Re-read fresh: the phase must still be current and still running.
	if expectedVersion != o.opVersion || o.wf == nil || o.wf.Status != models.WorkflowStatusRunning {
		o.mu.Unlock()
		return
	}
	current := o.wf.CurrentPhase()
	if current == nil || current.ID != phaseID || current.Status != models.PhaseStatusRunning {
		o.mu.Unlock()
		return
	}

	if anyErrored && !current.RequiresApproval {
		o.failPhaseLocked(current, "one or more agents failed")
		o.mu.Unlock()
		return
	}

	current.Output = strings.Join(outputs, "\n\n")

	if current.RequiresApproval {
		o.updatePhaseStatusLocked(current, models.PhaseStatusAwaitingApproval)
		o.startApprovalTimerLocked(current)
		workflowID := o.wf.ID
		o.mu.Unlock()
		o.emit(events.Event{Type: events.PhaseAwaitingApproval, WorkflowID: workflowID, PhaseID: phaseID})
		return
	}
	o.mu.Unlock()

	debugLog("phase %s complete without approval gate, auto-advancing", phaseID)
	o.advancePhase(context.Background(), phaseID)
}

// finishCheck releases the phase's single-flight guard and reruns the
// completion check if one was queued while this check was scanning.
func (o *Orchestrator) finishCheck(phaseID string, version uint64) {
	o.mu.Lock()
	delete(o.checkFlight, phaseID)
	again := o.checkAgain[phaseID]
	delete(o.checkAgain, phaseID)
	o.mu.Unlock()
	if again {
		o.CheckPhaseCompletion(version)
	}
}

// emit sends an event if an emitter is configured.
func (o *Orchestrator) emit(ev events.Event) {
	if o.emitter != nil {
		o.emitter.Emit(ev)
	}
}

// updatePhaseStatusLocked applies a transition-guarded phase status change.
// Illegal transitions are logged and dropped. Caller must hold o.mu.
func (o *Orchestrator) updatePhaseStatusLocked(p *models.Phase, status models.PhaseStatus) bool {
	from := p.Status
	if !machine.CanPhaseTransition(from, status) {
		debugLog("phase %s: invalid transition %s -> %s, ignoring", p.ID, from, status)
		return false
	}
	p.Status = status
	now := time.Now()
	switch status {
	case models.PhaseStatusRunning:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
	case models.PhaseStatusCompleted, models.PhaseStatusFailed:
		p.CompletedAt = &now
	}
	if o.recorder != nil {
		o.recorder.RecordTransition("phase", p.ID, string(from), string(status), "")
	}
	return true
}

// updateWorkflowStatusLocked applies a transition-guarded workflow status
// change. Caller must hold o.mu.
func (o *Orchestrator) updateWorkflowStatusLocked(status models.WorkflowStatus) bool {
	if o.wf == nil {
		return false
	}
	from := o.wf.Status
	if !machine.CanWorkflowTransition(from, status) {
		debugLog("workflow %s: invalid transition %s -> %s, ignoring", o.wf.ID, from, status)
		return false
	}
	o.wf.Status = status
	now := time.Now()
	switch status {
	case models.WorkflowStatusRunning:
		if o.wf.StartedAt == nil {
			o.wf.StartedAt = &now
		}
	case models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
		o.wf.CompletedAt = &now
	}
	if o.recorder != nil {
		o.recorder.RecordTransition("workflow", o.wf.ID, string(from), string(status), "")
	}
	return true
}

// failPhaseLocked marks the phase and the workflow failed. Caller must hold
// o.mu.
func (o *Orchestrator) failPhaseLocked(p *models.Phase, reason string) {
	debugLog("phase %s failed: %s", p.ID, reason)
	o.updatePhaseStatusLocked(p, models.PhaseStatusFailed)
	o.updateWorkflowStatusLocked(models.WorkflowStatusFailed)
	workflowID := ""
	if o.wf != nil {
		workflowID = o.wf.ID
	}
	go func() {
		o.emit(events.Event{Type: events.PhaseFailed, WorkflowID: workflowID, PhaseID: p.ID, Message: reason})
		o.emit(events.Event{Type: events.WorkflowFailed, WorkflowID: workflowID, Message: reason})
	}()
}
