package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusPending indicates the agent has not started (or is paused).
	AgentStatusPending AgentStatus = "pending"
	// AgentStatusRunning indicates the agent is actively working.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusCompleted indicates the agent finished its work.
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusError indicates the agent stopped with an error.
	AgentStatusError AgentStatus = "error"
	// AgentStatusCancelled indicates the agent was cancelled.
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusRunning, AgentStatusCompleted,
		AgentStatusError, AgentStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the agent has stopped working. Error and
// cancelled agents can still be reset to pending by retry, but they count
// as terminal for phase completion.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusError || s == AgentStatusCancelled
}

// AgentType identifies the specialized role an agent plays.
type AgentType string

const (
	// AgentTypePlanner decomposes a request into tasks.
	AgentTypePlanner AgentType = "planner"
	// AgentTypeCoder implements code changes.
	AgentTypeCoder AgentType = "coder"
	// AgentTypeReviewer reviews completed work.
	AgentTypeReviewer AgentType = "reviewer"
	// AgentTypeTester writes and runs tests.
	AgentTypeTester AgentType = "tester"
)

// Valid returns true if the type is a known value.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypePlanner, AgentTypeCoder, AgentTypeReviewer, AgentTypeTester:
		return true
	default:
		return false
	}
}

// InterruptReason records why an agent's session was interrupted.
type InterruptReason string

const (
	// InterruptPause indicates the agent was paused by the user.
	InterruptPause InterruptReason = "pause"
	// InterruptCancel indicates the agent was cancelled.
	InterruptCancel InterruptReason = "cancel"
)

// Progress tracks how far along an agent is.
type Progress struct {
	// Current is the number of completed steps.
	Current int `json:"current"`
	// Total is the expected number of steps (0 if unknown).
	Total int `json:"total"`
	// Description is a short human-readable status line.
	Description string `json:"description,omitempty"`
}

// AgentError describes a failure captured on an agent.
type AgentError struct {
	// Code is the machine-readable error code (e.g. DEPENDENCY_TIMEOUT).
	Code string `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Recoverable indicates whether the user can retry in place.
	Recoverable bool `json:"recoverable"`
	// Details carries structured context (affected ids, conflicting paths).
	Details map[string]string `json:"details,omitempty"`
}

// Agent represents one unit of autonomous work executed through the
// agent runtime.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Type is the specialized role of this agent.
	Type AgentType `json:"type"`
	// Task is the task description sent to the runtime session.
	Task string `json:"task"`
	// DependsOn lists agent IDs that must complete before this agent starts.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Progress tracks the agent's progress.
	Progress Progress `json:"progress"`
	// Error holds the most recent failure, if any.
	Error *AgentError `json:"error,omitempty"`
	// InterruptReason records why the agent was last interrupted.
	InterruptReason InterruptReason `json:"interrupt_reason,omitempty"`
	// SessionID is the backing runtime session handle. Empty until the agent
	// has been admitted past dependency and concurrency gating and its
	// session has started.
	SessionID string `json:"session_id,omitempty"`
	// Output is the accumulated output text from the runtime session.
	Output string `json:"output,omitempty"`
	// PendingApprovals lists unanswered human-approval requests raised by
	// the backing session.
	PendingApprovals []string `json:"pending_approvals,omitempty"`
	// Config holds per-agent configuration overrides.
	Config map[string]string `json:"config,omitempty"`
	// CreatedAt is when the agent was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the agent entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the agent reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.DependsOn = append([]string(nil), a.DependsOn...)
	cp.PendingApprovals = append([]string(nil), a.PendingApprovals...)
	if a.Error != nil {
		e := *a.Error
		if a.Error.Details != nil {
			e.Details = make(map[string]string, len(a.Error.Details))
			for k, v := range a.Error.Details {
				e.Details[k] = v
			}
		}
		cp.Error = &e
	}
	if a.Config != nil {
		cp.Config = make(map[string]string, len(a.Config))
		for k, v := range a.Config {
			cp.Config[k] = v
		}
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		cp.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
