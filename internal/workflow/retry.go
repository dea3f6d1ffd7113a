package workflow

import (
	"context"
	"fmt"

	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/pkg/models"
)

// RetryPhase resets a failed phase and re-executes it: all prior member
// agents are removed (running ones interrupted), the phase returns to
// pending with a cleared agent list and output, the workflow cursor rewinds
// to the phase, and the workflow re-enters running.
func (o *Orchestrator) RetryPhase(ctx context.Context, phaseID string) error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("retry phase: no workflow")
	}
	phase, idx := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("retry phase: unknown phase %s", phaseID)
	}
	if phase.Status != models.PhaseStatusFailed {
		status := phase.Status
		o.mu.Unlock()
		return fmt.Errorf("retry phase %s: phase is %s, not failed", phaseID, status)
	}
	o.opVersion++
	agentIDs := append([]string(nil), phase.AgentIDs...)
	o.mu.Unlock()

	for _, id := range agentIDs {
		a, ok := o.agents.Agent(id)
		if ok && !a.Status.Terminal() {
			o.agents.CancelAgent(id)
		}
		o.agents.RemoveAgent(id)
	}

	o.mu.Lock()
	phase, idx = o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return nil
	}
	o.updatePhaseStatusLocked(phase, models.PhaseStatusPending)
	phase.AgentIDs = nil
	phase.Output = ""
	phase.StartedAt = nil
	phase.CompletedAt = nil
	delete(phase.Metadata, MetaSpawnFailures)
	o.wf.CurrentPhaseIndex = idx
	o.updateWorkflowStatusLocked(models.WorkflowStatusRunning)
	o.mu.Unlock()

	return o.executePhase(ctx, phaseID)
}

// RetryWorkflow locates the failed phase of a failed workflow and retries
// it.
func (o *Orchestrator) RetryWorkflow(ctx context.Context) error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("retry workflow: no workflow")
	}
	if o.wf.Status != models.WorkflowStatusFailed {
		status := o.wf.Status
		o.mu.Unlock()
		return fmt.Errorf("retry workflow: workflow is %s, not failed", status)
	}
	var failedID string
	for _, p := range o.wf.Phases {
		if p.Status == models.PhaseStatusFailed {
			failedID = p.ID
			break
		}
	}
	o.mu.Unlock()

	if failedID == "" {
		return fmt.Errorf("retry workflow: no failed phase found")
	}
	return o.RetryPhase(ctx, failedID)
}

// RecoverCancelledWorkflow resumes a cancelled workflow. The current
// phase's recorded status decides the path: a completed phase is approved
// forward, a failed phase is retried, and anything else is re-executed
// fresh after purging cancelled member agents.
func (o *Orchestrator) RecoverCancelledWorkflow(ctx context.Context) error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("recover workflow: no workflow")
	}
	if o.wf.Status != models.WorkflowStatusCancelled {
		status := o.wf.Status
		o.mu.Unlock()
		return fmt.Errorf("recover workflow: workflow is %s, not cancelled", status)
	}
	o.opVersion++
	o.updateWorkflowStatusLocked(models.WorkflowStatusRunning)
	phase := o.wf.CurrentPhase()
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("recover workflow: no current phase")
	}
	phaseID := phase.ID
	status := phase.Status
	o.mu.Unlock()

	switch status {
	case models.PhaseStatusCompleted:
		return o.advancePast(ctx, phaseID)
	case models.PhaseStatusFailed:
		return o.RetryPhase(ctx, phaseID)
	default:
		o.purgeCancelledAgents(phaseID)
		return o.executePhase(ctx, phaseID)
	}
}

// advancePast moves the cursor past an already-completed phase, executing
// the next phase or completing the workflow.
func (o *Orchestrator) advancePast(ctx context.Context, phaseID string) error {
	o.mu.Lock()
	phase, idx := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("advance: unknown phase %s", phaseID)
	}
	o.previousPhaseOutput = phase.Output
	workflowID := o.wf.ID
	var nextID string
	if idx+1 < len(o.wf.Phases) {
		o.wf.CurrentPhaseIndex = idx + 1
		nextID = o.wf.Phases[idx+1].ID
	} else {
		o.updateWorkflowStatusLocked(models.WorkflowStatusCompleted)
	}
	o.mu.Unlock()

	if nextID == "" {
		o.emit(events.Event{Type: events.WorkflowCompleted, WorkflowID: workflowID})
		return nil
	}
	return o.executePhase(ctx, nextID)
}

// purgeCancelledAgents drops cancelled members from the phase's agent list
// and the agent collection, so a fresh execution replaces them.
func (o *Orchestrator) purgeCancelledAgents(phaseID string) {
	o.mu.Lock()
	phase, _ := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return
	}
	agentIDs := append([]string(nil), phase.AgentIDs...)
	o.mu.Unlock()

	var kept []string
	var purged []string
	for _, id := range agentIDs {
		a, ok := o.agents.Agent(id)
		if !ok {
			continue
		}
		if a.Status == models.AgentStatusCancelled {
			purged = append(purged, id)
			continue
		}
		kept = append(kept, id)
	}
	for _, id := range purged {
		o.agents.RemoveAgent(id)
	}

	o.mu.Lock()
	if phase, _ := o.wf.PhaseByID(phaseID); phase != nil {
		phase.AgentIDs = kept
	}
	o.mu.Unlock()
}

// CancelWorkflow bumps the operation version (invalidating in-flight
// completion checks), clears all timers, cancels every running agent, and
// marks the workflow cancelled.
func (o *Orchestrator) CancelWorkflow() error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("cancel workflow: no workflow")
	}
	if o.wf.Status != models.WorkflowStatusRunning {
		status := o.wf.Status
		o.mu.Unlock()
		return fmt.Errorf("cancel workflow: workflow is %s, not running", status)
	}
	o.opVersion++
	o.stopApprovalTimerLocked()
	o.updateWorkflowStatusLocked(models.WorkflowStatusCancelled)
	workflowID := o.wf.ID
	o.mu.Unlock()

	for _, a := range o.agents.Agents() {
		if !a.Status.Terminal() {
			o.agents.CancelAgent(a.ID)
		}
	}

	o.emit(events.Event{Type: events.WorkflowCancelled, WorkflowID: workflowID})
	return nil
}
