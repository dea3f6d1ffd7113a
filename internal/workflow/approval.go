package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/pkg/models"
)

// ApprovePhase resolves a phase waiting on human review. It accepts only
// awaiting_approval and approval_timeout phases; phases without a gate
// advance through the completion check instead.
func (o *Orchestrator) ApprovePhase(ctx context.Context, phaseID string) error {
	o.mu.Lock()
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("approve phase: no workflow")
	}
	phase, _ := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("approve phase: unknown phase %s", phaseID)
	}
	if phase.Status != models.PhaseStatusAwaitingApproval && phase.Status != models.PhaseStatusApprovalTimeout {
		status := phase.Status
		o.mu.Unlock()
		return fmt.Errorf("approve phase %s: not awaiting approval (%s)", phaseID, status)
	}
	o.mu.Unlock()
	return o.advancePhase(ctx, phaseID)
}

// advancePhase completes the phase and advances the workflow: the phase's
// output is carried forward, the next phase (if any) is executed, otherwise
// the workflow completes. Concurrent duplicate advances of the same phase
// are dropped. Reached from ApprovePhase for gated phases and from the
// completion check for auto-advancing ones.
func (o *Orchestrator) advancePhase(ctx context.Context, phaseID string) error {
	o.mu.Lock()
	if o.approveFlight[phaseID] {
		o.mu.Unlock()
		debugLog("approve already in flight for phase %s, ignoring", phaseID)
		return nil
	}
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("approve phase: no workflow")
	}
	phase, idx := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("approve phase: unknown phase %s", phaseID)
	}
	if !machine.CanPhaseTransition(phase.Status, models.PhaseStatusCompleted) {
		status := phase.Status
		o.mu.Unlock()
		return fmt.Errorf("approve phase %s: not approvable from %s", phaseID, status)
	}
	o.approveFlight[phaseID] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.approveFlight, phaseID)
		o.mu.Unlock()
	}()

	o.mu.Lock()
	// Re-validate under the guard: a concurrent reject may have won.
	phase, idx = o.wf.PhaseByID(phaseID)
	if phase == nil || !machine.CanPhaseTransition(phase.Status, models.PhaseStatusCompleted) {
		o.mu.Unlock()
		return fmt.Errorf("approve phase %s: state changed", phaseID)
	}
	o.opVersion++
	o.stopApprovalTimerLocked()
	o.updatePhaseStatusLocked(phase, models.PhaseStatusCompleted)
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

	o.emit(events.Event{Type: events.PhaseCompleted, WorkflowID: workflowID, PhaseID: phaseID})

	if nextID == "" {
		o.emit(events.Event{Type: events.WorkflowCompleted, WorkflowID: workflowID})
		return nil
	}
	return o.executePhase(ctx, nextID)
}

// RejectPhase fails the phase and the workflow, cancelling every member
// agent (best-effort, continuing past individual failures) and recording
// the rejection reason. Concurrent duplicate rejections are dropped.
func (o *Orchestrator) RejectPhase(phaseID, reason string) error {
	o.mu.Lock()
	if o.rejectFlight[phaseID] {
		o.mu.Unlock()
		debugLog("reject already in flight for phase %s, ignoring", phaseID)
		return nil
	}
	if o.wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("reject phase: no workflow")
	}
	phase, _ := o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return fmt.Errorf("reject phase: unknown phase %s", phaseID)
	}
	if !machine.CanPhaseTransition(phase.Status, models.PhaseStatusFailed) {
		status := phase.Status
		o.mu.Unlock()
		return fmt.Errorf("reject phase %s: not rejectable from %s", phaseID, status)
	}
	o.rejectFlight[phaseID] = true
	o.opVersion++
	o.stopApprovalTimerLocked()
	agentIDs := append([]string(nil), phase.AgentIDs...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.rejectFlight, phaseID)
		o.mu.Unlock()
	}()

	for _, id := range agentIDs {
		a, ok := o.agents.Agent(id)
		if !ok || a.Status.Terminal() {
			continue
		}
		o.agents.CancelAgent(id)
	}

	o.mu.Lock()
	phase, _ = o.wf.PhaseByID(phaseID)
	if phase == nil {
		o.mu.Unlock()
		return nil
	}
	if reason != "" {
		phase.SetMeta(MetaRejectionReason, reason)
	}
	o.failPhaseLocked(phase, "rejected: "+reason)
	o.mu.Unlock()
	return nil
}

// RecoverApprovalTimeout returns a timed-out phase to awaiting_approval and
// restarts its approval timer. Valid only while the workflow is running.
func (o *Orchestrator) RecoverApprovalTimeout(phaseID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.wf == nil || o.wf.Status != models.WorkflowStatusRunning {
		return fmt.Errorf("recover approval timeout: workflow not running")
	}
	phase, _ := o.wf.PhaseByID(phaseID)
	if phase == nil {
		return fmt.Errorf("recover approval timeout: unknown phase %s", phaseID)
	}
	if phase.Status != models.PhaseStatusApprovalTimeout {
		return fmt.Errorf("recover approval timeout: phase %s is %s", phaseID, phase.Status)
	}
	o.updatePhaseStatusLocked(phase, models.PhaseStatusAwaitingApproval)
	o.startApprovalTimerLocked(phase)
	return nil
}

// startApprovalTimerLocked arms the approval timeout for a phase,
// preferring the phase's own override. Caller must hold o.mu.
func (o *Orchestrator) startApprovalTimerLocked(p *models.Phase) {
	o.stopApprovalTimerLocked()
	timeout := p.ApprovalTimeout
	if timeout <= 0 {
		timeout = o.cfg.Timeouts.Approval
	}
	if timeout <= 0 {
		return
	}
	phaseID := p.ID
	o.approvalTimer = time.AfterFunc(timeout, func() { o.expireApproval(phaseID) })
}

// stopApprovalTimerLocked clears any armed approval timer. Caller must hold
// o.mu.
func (o *Orchestrator) stopApprovalTimerLocked() {
	if o.approvalTimer != nil {
		o.approvalTimer.Stop()
		o.approvalTimer = nil
	}
}

// expireApproval moves a still-waiting phase to approval_timeout.
func (o *Orchestrator) expireApproval(phaseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.wf == nil || o.wf.Status != models.WorkflowStatusRunning {
		return
	}
	current := o.wf.CurrentPhase()
	if current == nil || current.ID != phaseID || current.Status != models.PhaseStatusAwaitingApproval {
		return
	}
	debugLog("phase %s approval timed out", phaseID)
	o.updatePhaseStatusLocked(current, models.PhaseStatusApprovalTimeout)
	o.approvalTimer = nil
}
