// Package machine defines the legal state transitions for agents, phases
// and workflows, the error classifier, and the decision priority order.
// Everything in this package is pure and side-effect free.
package machine

import (
	"fmt"

	"github.com/ecrain/phalanx/pkg/models"
)

// EntityKind identifies which transition table applies.
type EntityKind string

const (
	// KindAgent selects the agent transition table.
	KindAgent EntityKind = "agent"
	// KindPhase selects the phase transition table.
	KindPhase EntityKind = "phase"
	// KindWorkflow selects the workflow transition table.
	KindWorkflow EntityKind = "workflow"
)

// agentTransitions maps each agent status to its legal successors.
// Terminal states have no outgoing edges. Error and cancelled agents can be
// reset to pending by retry; running agents return to pending on pause.
var agentTransitions = map[models.AgentStatus][]models.AgentStatus{
	models.AgentStatusPending:   {models.AgentStatusRunning, models.AgentStatusCancelled, models.AgentStatusError},
	models.AgentStatusRunning:   {models.AgentStatusCompleted, models.AgentStatusError, models.AgentStatusCancelled, models.AgentStatusPending},
	models.AgentStatusCompleted: {},
	models.AgentStatusError:     {models.AgentStatusPending},
	models.AgentStatusCancelled: {models.AgentStatusPending},
}

// phaseTransitions maps each phase status to its legal successors.
var phaseTransitions = map[models.PhaseStatus][]models.PhaseStatus{
	models.PhaseStatusPending:          {models.PhaseStatusRunning},
	models.PhaseStatusRunning:          {models.PhaseStatusAwaitingApproval, models.PhaseStatusCompleted, models.PhaseStatusFailed},
	models.PhaseStatusAwaitingApproval: {models.PhaseStatusCompleted, models.PhaseStatusFailed, models.PhaseStatusApprovalTimeout},
	models.PhaseStatusApprovalTimeout:  {models.PhaseStatusAwaitingApproval, models.PhaseStatusCompleted, models.PhaseStatusFailed},
	models.PhaseStatusCompleted:        {},
	models.PhaseStatusFailed:           {models.PhaseStatusPending},
}

// workflowTransitions maps each workflow status to its legal successors.
var workflowTransitions = map[models.WorkflowStatus][]models.WorkflowStatus{
	models.WorkflowStatusPending:   {models.WorkflowStatusRunning},
	models.WorkflowStatusRunning:   {models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled},
	models.WorkflowStatusCompleted: {},
	models.WorkflowStatusFailed:    {models.WorkflowStatusRunning},
	models.WorkflowStatusCancelled: {models.WorkflowStatusRunning},
}

// InvalidTransitionError reports an attempted transition outside the table.
type InvalidTransitionError struct {
	Kind EntityKind
	From string
	To   string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Kind, e.From, e.To)
}

// CanTransition reports whether the (from, to) edge exists in the entity
// kind's transition table. Unknown kinds or states are never legal.
func CanTransition(kind EntityKind, from, to string) bool {
	switch kind {
	case KindAgent:
		return contains(agentTransitions[models.AgentStatus(from)], models.AgentStatus(to))
	case KindPhase:
		return contains(phaseTransitions[models.PhaseStatus(from)], models.PhaseStatus(to))
	case KindWorkflow:
		return contains(workflowTransitions[models.WorkflowStatus(from)], models.WorkflowStatus(to))
	default:
		return false
	}
}

// ValidateTransition returns an InvalidTransitionError carrying the from/to
// pair when the transition is illegal, and nil when it is legal.
func ValidateTransition(kind EntityKind, from, to string) error {
	if CanTransition(kind, from, to) {
		return nil
	}
	return &InvalidTransitionError{Kind: kind, From: from, To: to}
}

// CanAgentTransition is a typed convenience wrapper over CanTransition.
func CanAgentTransition(from, to models.AgentStatus) bool {
	return CanTransition(KindAgent, string(from), string(to))
}

// CanPhaseTransition is a typed convenience wrapper over CanTransition.
func CanPhaseTransition(from, to models.PhaseStatus) bool {
	return CanTransition(KindPhase, string(from), string(to))
}

// CanWorkflowTransition is a typed convenience wrapper over CanTransition.
func CanWorkflowTransition(from, to models.WorkflowStatus) bool {
	return CanTransition(KindWorkflow, string(from), string(to))
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
