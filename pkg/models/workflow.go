package models

import "time"

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the workflow has not started.
	WorkflowStatusPending WorkflowStatus = "pending"
	// WorkflowStatusRunning indicates the workflow is executing phases.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusCompleted indicates every phase completed.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates a phase failed.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled indicates the workflow was cancelled.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// Workflow is the top-level ordered sequence of phases for one user request.
// At most one phase — the one at CurrentPhaseIndex — is ever in
// running/awaiting_approval/approval_timeout.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// Name is the short name of the workflow.
	Name string `json:"name"`
	// Description is the originating user request.
	Description string `json:"description,omitempty"`
	// Phases is the strictly ordered list of phases.
	Phases []*Phase `json:"phases"`
	// CurrentPhaseIndex is the cursor into Phases.
	CurrentPhaseIndex int `json:"current_phase_index"`
	// Status is the current state of the workflow.
	Status WorkflowStatus `json:"status"`
	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the workflow entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the workflow reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentPhase returns the phase at the cursor, or nil if out of range.
func (w *Workflow) CurrentPhase() *Phase {
	if w == nil || w.CurrentPhaseIndex < 0 || w.CurrentPhaseIndex >= len(w.Phases) {
		return nil
	}
	return w.Phases[w.CurrentPhaseIndex]
}

// Clone returns a deep copy of the workflow and its phases.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Phases = make([]*Phase, len(w.Phases))
	for i, p := range w.Phases {
		cp.Phases[i] = p.Clone()
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// PhaseByID returns the phase with the given id and its index, or nil and -1.
func (w *Workflow) PhaseByID(id string) (*Phase, int) {
	if w == nil {
		return nil, -1
	}
	for i, p := range w.Phases {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}
