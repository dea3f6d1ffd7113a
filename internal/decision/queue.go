// Package decision derives the queue of pending human decisions from the
// current workflow and agent state. Decisions are never stored; every call
// recomputes the projection so a resolved item simply stops appearing.
package decision

import (
	"fmt"

	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/pkg/models"
)

// WorkflowSource provides the workflow snapshot the queue scans.
type WorkflowSource interface {
	Workflow() *models.Workflow
}

// AgentSource provides the agent snapshots the queue scans.
type AgentSource interface {
	Agents() []*models.Agent
}

// Queue computes pending decisions on demand.
type Queue struct {
	workflows WorkflowSource
	agents    AgentSource
}

// NewQueue creates a decision queue over the given sources. Either source
// may be nil, in which case its decisions are skipped.
func NewQueue(workflows WorkflowSource, agents AgentSource) *Queue {
	return &Queue{workflows: workflows, agents: agents}
}

// Pending returns all current decisions sorted by priority, most urgent
// first. Ties keep scan order: agents in collection order, phases in
// workflow order.
func (q *Queue) Pending() []models.PendingDecision {
	var decisions []models.PendingDecision

	if q.agents != nil {
		for _, a := range q.agents.Agents() {
			decisions = append(decisions, agentDecisions(a)...)
		}
	}
	if q.workflows != nil {
		if wf := q.workflows.Workflow(); wf != nil {
			decisions = append(decisions, phaseDecisions(wf)...)
		}
	}

	return machine.SortDecisionsByPriority(decisions)
}

// Primary returns the single most urgent decision, or false if none are
// pending.
func (q *Queue) Primary() (models.PendingDecision, bool) {
	pending := q.Pending()
	if len(pending) == 0 {
		return models.PendingDecision{}, false
	}
	return pending[0], true
}

// agentDecisions derives decisions from one agent: a safety approval per
// pending runtime approval, and an error recovery for a recoverable error.
func agentDecisions(a *models.Agent) []models.PendingDecision {
	var out []models.PendingDecision

	for _, requestID := range a.PendingApprovals {
		out = append(out, models.PendingDecision{
			Type:        models.DecisionSafetyApproval,
			Priority:    machine.GetDecisionPriority(models.DecisionSafetyApproval),
			Label:       fmt.Sprintf("%s agent requests permission", a.Type),
			Description: fmt.Sprintf("agent %s is waiting on approval request %s", a.ID, requestID),
			AgentID:     a.ID,
			Actions:     []models.DecisionAction{models.ActionApprove, models.ActionReject},
		})
	}

	if a.Status == models.AgentStatusError && a.Error != nil && machine.IsRecoverableCode(a.Error.Code) {
		out = append(out, models.PendingDecision{
			Type:        models.DecisionErrorRecovery,
			Priority:    machine.GetDecisionPriority(models.DecisionErrorRecovery),
			Label:       fmt.Sprintf("%s agent failed", a.Type),
			Description: fmt.Sprintf("%s: %s", a.Error.Code, a.Error.Message),
			AgentID:     a.ID,
			Actions:     []models.DecisionAction{models.ActionRetry, models.ActionSkip, models.ActionCancel},
		})
	}

	return out
}

// phaseDecisions derives decisions from the workflow's current phase. Only
// the current phase can wait on approval, so the scan stops there.
func phaseDecisions(wf *models.Workflow) []models.PendingDecision {
	phase := wf.CurrentPhase()
	if phase == nil {
		return nil
	}

	switch phase.Status {
	case models.PhaseStatusAwaitingApproval:
		return []models.PendingDecision{{
			Type:        models.DecisionPhaseApproval,
			Priority:    machine.GetDecisionPriority(models.DecisionPhaseApproval),
			Label:       fmt.Sprintf("phase %q awaits approval", phase.Name),
			Description: phase.Output,
			PhaseID:     phase.ID,
			Actions:     []models.DecisionAction{models.ActionApprove, models.ActionReject},
		}}
	case models.PhaseStatusApprovalTimeout:
		return []models.PendingDecision{{
			Type:        models.DecisionTimeoutRecovery,
			Priority:    machine.GetDecisionPriority(models.DecisionTimeoutRecovery),
			Label:       fmt.Sprintf("phase %q approval timed out", phase.Name),
			Description: "the approval window elapsed; recover to keep waiting, or approve or reject now",
			PhaseID:     phase.ID,
			Actions: []models.DecisionAction{
				models.ActionRecover, models.ActionApprove, models.ActionReject,
			},
		}}
	default:
		return nil
	}
}
