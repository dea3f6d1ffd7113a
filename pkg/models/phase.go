package models

import "time"

// PhaseStatus represents the current state of a workflow phase.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not started.
	PhaseStatusPending PhaseStatus = "pending"
	// PhaseStatusRunning indicates the phase's agents are executing.
	PhaseStatusRunning PhaseStatus = "running"
	// PhaseStatusAwaitingApproval indicates the phase is waiting for human review.
	PhaseStatusAwaitingApproval PhaseStatus = "awaiting_approval"
	// PhaseStatusApprovalTimeout indicates the approval wait timed out.
	PhaseStatusApprovalTimeout PhaseStatus = "approval_timeout"
	// PhaseStatusCompleted indicates the phase completed successfully.
	PhaseStatusCompleted PhaseStatus = "completed"
	// PhaseStatusFailed indicates the phase failed.
	PhaseStatusFailed PhaseStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s PhaseStatus) Valid() bool {
	switch s {
	case PhaseStatusPending, PhaseStatusRunning, PhaseStatusAwaitingApproval,
		PhaseStatusApprovalTimeout, PhaseStatusCompleted, PhaseStatusFailed:
		return true
	default:
		return false
	}
}

// Phase is an ordered step of a workflow, containing one or more agents.
type Phase struct {
	// ID is the unique identifier for this phase.
	ID string `json:"id"`
	// Name is the short name of the phase.
	Name string `json:"name"`
	// Description explains what the phase does.
	Description string `json:"description,omitempty"`
	// AgentIDs lists the member agents. Populated once, at spawn time, and
	// cleared only on retry.
	AgentIDs []string `json:"agent_ids,omitempty"`
	// Status is the current state of the phase.
	Status PhaseStatus `json:"status"`
	// RequiresApproval indicates the phase gates on human approval.
	RequiresApproval bool `json:"requires_approval"`
	// ApprovalTimeout overrides the configured approval timeout (0 = default).
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"`
	// Output is the synthesized output of the phase's member agents.
	Output string `json:"output,omitempty"`
	// Metadata carries free-form phase details (spawn failure counts,
	// rejection reasons, agent plans).
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the phase was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the phase entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the phase reached completed or failed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SetMeta records a metadata value, allocating the map on first use.
func (p *Phase) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[key] = value
}

// Clone returns a deep copy of the phase.
func (p *Phase) Clone() *Phase {
	if p == nil {
		return nil
	}
	cp := *p
	cp.AgentIDs = append([]string(nil), p.AgentIDs...)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
