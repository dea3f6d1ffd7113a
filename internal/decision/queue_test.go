package decision

import (
	"testing"

	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/pkg/models"
)

type stubWorkflows struct{ wf *models.Workflow }

func (s stubWorkflows) Workflow() *models.Workflow { return s.wf }

type stubAgents struct{ agents []*models.Agent }

func (s stubAgents) Agents() []*models.Agent { return s.agents }

func TestPending_EmptySources(t *testing.T) {
	q := NewQueue(nil, nil)
	if got := q.Pending(); len(got) != 0 {
		t.Fatalf("Pending() = %d decisions, want 0", len(got))
	}
	if _, ok := q.Primary(); ok {
		t.Error("Primary() reported a decision with no sources")
	}
}

func TestPending_PriorityOrder(t *testing.T) {
	wf := &models.Workflow{
		Status: models.WorkflowStatusRunning,
		Phases: []*models.Phase{
			{ID: "p1", Name: "review", Status: models.PhaseStatusAwaitingApproval},
		},
	}
	agents := []*models.Agent{
		{
			ID:     "a1",
			Type:   models.AgentTypeCoder,
			Status: models.AgentStatusError,
			Error:  &models.AgentError{Code: machine.CodeTaskFailed, Message: "boom", Recoverable: true},
		},
		{
			ID:               "a2",
			Type:             models.AgentTypeTester,
			Status:           models.AgentStatusRunning,
			PendingApprovals: []string{"req-1"},
		},
	}

	q := NewQueue(stubWorkflows{wf}, stubAgents{agents})
	got := q.Pending()
	if len(got) != 3 {
		t.Fatalf("Pending() = %d decisions, want 3", len(got))
	}

	wantOrder := []models.DecisionType{
		models.DecisionSafetyApproval,
		models.DecisionPhaseApproval,
		models.DecisionErrorRecovery,
	}
	for i, want := range wantOrder {
		if got[i].Type != want {
			t.Errorf("Pending()[%d].Type = %s, want %s", i, got[i].Type, want)
		}
	}

	primary, ok := q.Primary()
	if !ok {
		t.Fatal("Primary() found nothing")
	}
	if primary.Type != models.DecisionSafetyApproval {
		t.Errorf("Primary().Type = %s, want safety_approval", primary.Type)
	}
	if primary.AgentID != "a2" {
		t.Errorf("Primary().AgentID = %s, want a2", primary.AgentID)
	}
}

func TestPending_UnrecoverableErrorProducesNoDecision(t *testing.T) {
	agents := []*models.Agent{{
		ID:     "a1",
		Type:   models.AgentTypeCoder,
		Status: models.AgentStatusError,
		Error:  &models.AgentError{Code: "SOMETHING_UNKNOWN", Message: "boom"},
	}}

	q := NewQueue(nil, stubAgents{agents})
	if got := q.Pending(); len(got) != 0 {
		t.Fatalf("Pending() = %d decisions for unrecoverable error, want 0", len(got))
	}
}

func TestPending_TimeoutRecovery(t *testing.T) {
	wf := &models.Workflow{
		Status: models.WorkflowStatusRunning,
		Phases: []*models.Phase{
			{ID: "p1", Name: "done", Status: models.PhaseStatusCompleted},
			{ID: "p2", Name: "review", Status: models.PhaseStatusApprovalTimeout},
		},
		CurrentPhaseIndex: 1,
	}

	q := NewQueue(stubWorkflows{wf}, nil)
	got := q.Pending()
	if len(got) != 1 {
		t.Fatalf("Pending() = %d decisions, want 1", len(got))
	}
	d := got[0]
	if d.Type != models.DecisionTimeoutRecovery {
		t.Errorf("Type = %s, want timeout_recovery", d.Type)
	}
	if d.PhaseID != "p2" {
		t.Errorf("PhaseID = %s, want p2", d.PhaseID)
	}
	hasRecover := false
	for _, a := range d.Actions {
		if a == models.ActionRecover {
			hasRecover = true
		}
	}
	if !hasRecover {
		t.Error("timeout_recovery decision missing recover action")
	}
}

func TestPending_MultipleApprovalsOneAgent(t *testing.T) {
	agents := []*models.Agent{{
		ID:               "a1",
		Type:             models.AgentTypeCoder,
		Status:           models.AgentStatusRunning,
		PendingApprovals: []string{"req-1", "req-2"},
	}}

	q := NewQueue(nil, stubAgents{agents})
	got := q.Pending()
	if len(got) != 2 {
		t.Fatalf("Pending() = %d decisions, want one per pending approval (2)", len(got))
	}
	for _, d := range got {
		if d.Type != models.DecisionSafetyApproval {
			t.Errorf("Type = %s, want safety_approval", d.Type)
		}
	}
}
