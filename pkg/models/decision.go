package models

// DecisionType classifies a pending human decision.
type DecisionType string

const (
	// DecisionSafetyApproval is a runtime session asking for permission to
	// perform a guarded action.
	DecisionSafetyApproval DecisionType = "safety_approval"
	// DecisionPhaseApproval is a phase waiting for human review.
	DecisionPhaseApproval DecisionType = "phase_approval"
	// DecisionTimeoutRecovery is a phase whose approval wait timed out.
	DecisionTimeoutRecovery DecisionType = "timeout_recovery"
	// DecisionErrorRecovery is an agent with a recoverable error.
	DecisionErrorRecovery DecisionType = "error_recovery"
)

// DecisionAction is an action the user can take on a pending decision.
type DecisionAction string

const (
	// ActionApprove approves the pending item.
	ActionApprove DecisionAction = "approve"
	// ActionReject rejects the pending item.
	ActionReject DecisionAction = "reject"
	// ActionRetry retries the failed item.
	ActionRetry DecisionAction = "retry"
	// ActionSkip skips the failed item.
	ActionSkip DecisionAction = "skip"
	// ActionCancel cancels the item.
	ActionCancel DecisionAction = "cancel"
	// ActionRecover returns a timed-out approval to awaiting_approval.
	ActionRecover DecisionAction = "recover"
)

// PendingDecision is a derived projection of an actionable state. It is
// never stored; the decision queue recomputes it on demand.
type PendingDecision struct {
	// Type classifies the decision.
	Type DecisionType `json:"type"`
	// Priority is the numeric ordering key (lower = more urgent).
	Priority int `json:"priority"`
	// Label is a short human-readable title.
	Label string `json:"label"`
	// Description explains what is being decided.
	Description string `json:"description,omitempty"`
	// AgentID is the affected agent, if any.
	AgentID string `json:"agent_id,omitempty"`
	// PhaseID is the affected phase, if any.
	PhaseID string `json:"phase_id,omitempty"`
	// Actions lists the actions available to the user.
	Actions []DecisionAction `json:"actions"`
}
