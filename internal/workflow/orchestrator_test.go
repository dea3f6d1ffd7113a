package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/lifecycle"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/pkg/models"
)

// fakeRuntime is an in-memory runtime double shared by the orchestrator
// tests. Turn outcomes are driven explicitly.
type fakeRuntime struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]chan runtime.SessionEvent
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{channels: make(map[string]chan runtime.SessionEvent)}
}

func (f *fakeRuntime) Start(ctx context.Context, opts runtime.StartOptions) (string, <-chan runtime.SessionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	ch := make(chan runtime.SessionEvent, 16)
	f.channels[id] = ch
	return id, ch, nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID, text string) error { return nil }
func (f *fakeRuntime) Interrupt(ctx context.Context, sessionID string) error        { return nil }
func (f *fakeRuntime) ResolveApproval(ctx context.Context, sessionID, requestID string, approve bool) error {
	return nil
}

func (f *fakeRuntime) Stop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[sessionID]; ok {
		close(ch)
		delete(f.channels, sessionID)
	}
}

func (f *fakeRuntime) completeTurn(sessionID, output string) {
	f.mu.Lock()
	ch, ok := f.channels[sessionID]
	f.mu.Unlock()
	if ok {
		ch <- runtime.SessionEvent{
			Type:      runtime.EventTurnComplete,
			SessionID: sessionID,
			Status:    runtime.TurnCompleted,
			Text:      output,
		}
	}
}

func (f *fakeRuntime) failTurn(sessionID, message string) {
	f.mu.Lock()
	ch, ok := f.channels[sessionID]
	f.mu.Unlock()
	if ok {
		ch <- runtime.SessionEvent{
			Type:       runtime.EventTurnComplete,
			SessionID:  sessionID,
			Status:     runtime.TurnFailed,
			ErrMessage: message,
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Intervals.DependencyPoll = 5 * time.Millisecond
	cfg.Intervals.SlotPoll = 5 * time.Millisecond
	cfg.Concurrency.MaxAgents = 0
	return cfg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	cfg := testConfig()
	mgr := lifecycle.NewManager(lifecycle.Options{
		Config:  cfg,
		Runtime: rt,
		WorkDir: t.TempDir(),
	})
	return NewOrchestrator(cfg, mgr, nil, nil), rt
}

func twoPhaseWorkflow(secondRequiresApproval bool) *models.Workflow {
	return &models.Workflow{
		ID:     uuid.New().String(),
		Name:   "test",
		Status: models.WorkflowStatusPending,
		Phases: []*models.Phase{
			{ID: "p1", Name: "first", Description: "do the first thing", Status: models.PhaseStatusPending},
			{ID: "p2", Name: "second", Description: "do the second thing", Status: models.PhaseStatusPending,
				RequiresApproval: secondRequiresApproval},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// completePhaseAgents completes the turn of every running member of the
// given phase.
func completePhaseAgents(t *testing.T, o *Orchestrator, rt *fakeRuntime, phaseID, output string) {
	t.Helper()
	var sessions []string
	waitFor(t, 2*time.Second, func() bool {
		wf := o.Workflow()
		phase, _ := wf.PhaseByID(phaseID)
		if phase == nil || len(phase.AgentIDs) == 0 {
			return false
		}
		sessions = sessions[:0]
		for _, id := range phase.AgentIDs {
			a, ok := o.Agents().Agent(id)
			if !ok || a.SessionID == "" || a.Status != models.AgentStatusRunning {
				return false
			}
			sessions = append(sessions, a.SessionID)
		}
		return true
	}, "phase agents never all running")
	for _, s := range sessions {
		rt.completeTurn(s, output)
	}
}

func TestWorkflow_AutoAdvanceThenApprovalGate(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(true)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	got := o.Workflow()
	if got.Status != models.WorkflowStatusRunning {
		t.Fatalf("workflow = %s, want running", got.Status)
	}
	p1, _ := got.PhaseByID("p1")
	if p1.Status != models.PhaseStatusRunning {
		t.Fatalf("phase 1 = %s, want running", p1.Status)
	}

	// Phase 1 requires no approval: completing its agents auto-advances
	// the workflow into phase 2 without any external call.
	completePhaseAgents(t, o, rt, "p1", "phase one output")

	waitFor(t, 2*time.Second, func() bool {
		wf := o.Workflow()
		p2, _ := wf.PhaseByID("p2")
		return p2.Status == models.PhaseStatusRunning
	}, "workflow never auto-advanced to phase 2")

	got = o.Workflow()
	p1, _ = got.PhaseByID("p1")
	if p1.Status != models.PhaseStatusCompleted {
		t.Errorf("phase 1 = %s, want completed", p1.Status)
	}
	if got.CurrentPhaseIndex != 1 {
		t.Errorf("cursor = %d, want 1", got.CurrentPhaseIndex)
	}

	// Phase 2 gates on approval: completing its agents parks the phase in
	// awaiting_approval until ApprovePhase is called.
	completePhaseAgents(t, o, rt, "p2", "phase two output")

	waitFor(t, 2*time.Second, func() bool {
		wf := o.Workflow()
		p2, _ := wf.PhaseByID("p2")
		return p2.Status == models.PhaseStatusAwaitingApproval
	}, "phase 2 never reached awaiting_approval")

	got = o.Workflow()
	if got.Status != models.WorkflowStatusRunning {
		t.Errorf("workflow = %s while awaiting approval, want running", got.Status)
	}

	if err := o.ApprovePhase(context.Background(), "p2"); err != nil {
		t.Fatalf("ApprovePhase() error: %v", err)
	}

	got = o.Workflow()
	if got.Status != models.WorkflowStatusCompleted {
		t.Errorf("workflow = %s, want completed", got.Status)
	}
	p2, _ := got.PhaseByID("p2")
	if p2.Output != "phase two output" {
		t.Errorf("phase 2 output = %q", p2.Output)
	}
}

func TestCheckPhaseCompletion_StaleVersionIsNoOp(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	stale := o.OperationVersion()

	// Bump the version the way approve/reject/retry/cancel do.
	o.mu.Lock()
	o.opVersion++
	o.mu.Unlock()

	before := o.Workflow()
	o.CheckPhaseCompletion(stale)
	after := o.Workflow()

	p1Before, _ := before.PhaseByID("p1")
	p1After, _ := after.PhaseByID("p1")
	if p1Before.Status != p1After.Status {
		t.Errorf("stale check mutated phase: %s -> %s", p1Before.Status, p1After.Status)
	}
	if before.CurrentPhaseIndex != after.CurrentPhaseIndex {
		t.Error("stale check moved the cursor")
	}

	// The current version still works.
	completePhaseAgents(t, o, rt, "p1", "out")
	waitFor(t, 2*time.Second, func() bool {
		wf := o.Workflow()
		p1, _ := wf.PhaseByID("p1")
		return p1.Status == models.PhaseStatusCompleted
	}, "current-version completion never applied")
}

func TestCheckPhaseCompletion_DroppedCheckRerunsAfterFlightClears(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	version := o.OperationVersion()

	// Another check is mid-scan for phase 1 while its only agent completes,
	// so the completion check triggered by the terminal agent is dropped.
	o.mu.Lock()
	o.checkFlight["p1"] = true
	o.mu.Unlock()

	completePhaseAgents(t, o, rt, "p1", "out")
	waitFor(t, 2*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.checkAgain["p1"]
	}, "dropped check never queued a rerun")

	p1, _ := o.Workflow().PhaseByID("p1")
	if p1.Status != models.PhaseStatusRunning {
		t.Fatalf("phase 1 = %s while the scan is still in flight, want running", p1.Status)
	}

	// The in-flight check finishes; releasing the guard must run the queued
	// check so the phase is not stranded with every agent terminal.
	o.finishCheck("p1", version)

	waitFor(t, 2*time.Second, func() bool {
		p2, _ := o.Workflow().PhaseByID("p2")
		return p2.Status == models.PhaseStatusRunning
	}, "queued recheck never advanced the workflow")
	p1, _ = o.Workflow().PhaseByID("p1")
	if p1.Status != models.PhaseStatusCompleted {
		t.Errorf("phase 1 = %s, want completed", p1.Status)
	}
}

func TestApprovePhase_RejectsRunningPhase(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}

	// Phase 1 has no gate and its agent is still working.
	if err := o.ApprovePhase(context.Background(), "p1"); err == nil {
		t.Fatal("ApprovePhase() completed a phase whose agents are still running")
	}

	p1, _ := o.Workflow().PhaseByID("p1")
	if p1.Status != models.PhaseStatusRunning {
		t.Errorf("phase 1 = %s, want running", p1.Status)
	}
}

func TestPhaseFailure_FailsWorkflowWithoutApprovalGate(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}

	var sessionID string
	waitFor(t, 2*time.Second, func() bool {
		phase, _ := o.Workflow().PhaseByID("p1")
		if phase == nil || len(phase.AgentIDs) == 0 {
			return false
		}
		a, ok := o.Agents().Agent(phase.AgentIDs[0])
		if !ok || a.SessionID == "" {
			return false
		}
		sessionID = a.SessionID
		return true
	}, "phase 1 agent never started")

	rt.failTurn(sessionID, "agent blew up")

	waitFor(t, 2*time.Second, func() bool {
		return o.Workflow().Status == models.WorkflowStatusFailed
	}, "workflow never failed")

	got := o.Workflow()
	p1, _ := got.PhaseByID("p1")
	if p1.Status != models.PhaseStatusFailed {
		t.Errorf("phase 1 = %s, want failed", p1.Status)
	}
	p2, _ := got.PhaseByID("p2")
	if p2.Status != models.PhaseStatusPending {
		t.Errorf("phase 2 = %s, want pending (never started)", p2.Status)
	}
}

func TestApprovePhase_DoubleApprovalSingleAdvance(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(true)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	completePhaseAgents(t, o, rt, "p1", "one")
	completePhaseAgents(t, o, rt, "p2", "two")
	waitFor(t, 2*time.Second, func() bool {
		p2, _ := o.Workflow().PhaseByID("p2")
		return p2.Status == models.PhaseStatusAwaitingApproval
	}, "phase 2 never awaited approval")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.ApprovePhase(context.Background(), "p2")
		}(i)
	}
	wg.Wait()

	got := o.Workflow()
	if got.Status != models.WorkflowStatusCompleted {
		t.Fatalf("workflow = %s, want completed", got.Status)
	}
	// At most one approval may have applied; the other is a guarded no-op
	// or a state-changed rejection, never a second mutation.
	if got.CurrentPhaseIndex != 1 {
		t.Errorf("cursor = %d, want 1", got.CurrentPhaseIndex)
	}
}

func TestRejectPhase_CancelsAgentsAndFailsWorkflow(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(true)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	completePhaseAgents(t, o, rt, "p1", "one")
	completePhaseAgents(t, o, rt, "p2", "two")
	waitFor(t, 2*time.Second, func() bool {
		p2, _ := o.Workflow().PhaseByID("p2")
		return p2.Status == models.PhaseStatusAwaitingApproval
	}, "phase 2 never awaited approval")

	if err := o.RejectPhase("p2", "not good enough"); err != nil {
		t.Fatalf("RejectPhase() error: %v", err)
	}

	got := o.Workflow()
	if got.Status != models.WorkflowStatusFailed {
		t.Errorf("workflow = %s, want failed", got.Status)
	}
	p2, _ := got.PhaseByID("p2")
	if p2.Status != models.PhaseStatusFailed {
		t.Errorf("phase 2 = %s, want failed", p2.Status)
	}
	if p2.Metadata[MetaRejectionReason] != "not good enough" {
		t.Errorf("rejection reason = %q", p2.Metadata[MetaRejectionReason])
	}
}

func TestApprovalTimeout_AndRecovery(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(true)
	wf.Phases[1].ApprovalTimeout = 30 * time.Millisecond

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	completePhaseAgents(t, o, rt, "p1", "one")
	completePhaseAgents(t, o, rt, "p2", "two")

	waitFor(t, 2*time.Second, func() bool {
		p2, _ := o.Workflow().PhaseByID("p2")
		return p2.Status == models.PhaseStatusApprovalTimeout
	}, "approval never timed out")

	if err := o.RecoverApprovalTimeout("p2"); err != nil {
		t.Fatalf("RecoverApprovalTimeout() error: %v", err)
	}
	p2, _ := o.Workflow().PhaseByID("p2")
	if p2.Status != models.PhaseStatusAwaitingApproval {
		t.Errorf("phase 2 = %s, want awaiting_approval", p2.Status)
	}

	// Approval still works after recovery.
	if err := o.ApprovePhase(context.Background(), "p2"); err != nil {
		t.Fatalf("ApprovePhase() after recovery error: %v", err)
	}
	if got := o.Workflow(); got.Status != models.WorkflowStatusCompleted {
		t.Errorf("workflow = %s, want completed", got.Status)
	}
}

func TestRetryPhase_ResetsAndReexecutes(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}

	var firstAgents []string
	waitFor(t, 2*time.Second, func() bool {
		phase, _ := o.Workflow().PhaseByID("p1")
		if phase == nil || len(phase.AgentIDs) == 0 {
			return false
		}
		firstAgents = phase.AgentIDs
		a, ok := o.Agents().Agent(phase.AgentIDs[0])
		return ok && a.SessionID != ""
	}, "phase 1 agent never started")

	a, _ := o.Agents().Agent(firstAgents[0])
	rt.failTurn(a.SessionID, "boom")
	waitFor(t, 2*time.Second, func() bool {
		return o.Workflow().Status == models.WorkflowStatusFailed
	}, "workflow never failed")

	if err := o.RetryWorkflow(context.Background()); err != nil {
		t.Fatalf("RetryWorkflow() error: %v", err)
	}

	got := o.Workflow()
	if got.Status != models.WorkflowStatusRunning {
		t.Fatalf("workflow = %s after retry, want running", got.Status)
	}
	p1, _ := got.PhaseByID("p1")
	if p1.Status != models.PhaseStatusRunning {
		t.Fatalf("phase 1 = %s after retry, want running", p1.Status)
	}
	for _, id := range p1.AgentIDs {
		for _, old := range firstAgents {
			if id == old {
				t.Error("retry kept a prior member agent")
			}
		}
	}
	if _, ok := o.Agents().Agent(firstAgents[0]); ok {
		t.Error("prior member agent not removed")
	}

	// The retried phase can now complete the workflow.
	completePhaseAgents(t, o, rt, "p1", "ok")
	completePhaseAgents(t, o, rt, "p2", "ok")
	waitFor(t, 2*time.Second, func() bool {
		return o.Workflow().Status == models.WorkflowStatusCompleted
	}, "workflow never completed after retry")
}

func TestCancelWorkflow_AndRecover(t *testing.T) {
	o, rt := newTestOrchestrator(t)
	wf := twoPhaseWorkflow(false)

	if err := o.StartWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		phase, _ := o.Workflow().PhaseByID("p1")
		if phase == nil || len(phase.AgentIDs) == 0 {
			return false
		}
		a, ok := o.Agents().Agent(phase.AgentIDs[0])
		return ok && a.Status == models.AgentStatusRunning
	}, "phase 1 agent never running")

	if err := o.CancelWorkflow(); err != nil {
		t.Fatalf("CancelWorkflow() error: %v", err)
	}

	got := o.Workflow()
	if got.Status != models.WorkflowStatusCancelled {
		t.Fatalf("workflow = %s, want cancelled", got.Status)
	}
	p1, _ := got.PhaseByID("p1")
	for _, id := range p1.AgentIDs {
		a, ok := o.Agents().Agent(id)
		if ok && a.Status != models.AgentStatusCancelled {
			t.Errorf("agent %s = %s, want cancelled", id, a.Status)
		}
	}

	if err := o.RecoverCancelledWorkflow(context.Background()); err != nil {
		t.Fatalf("RecoverCancelledWorkflow() error: %v", err)
	}
	got = o.Workflow()
	if got.Status != models.WorkflowStatusRunning {
		t.Fatalf("workflow = %s after recover, want running", got.Status)
	}

	completePhaseAgents(t, o, rt, "p1", "ok")
	completePhaseAgents(t, o, rt, "p2", "ok")
	waitFor(t, 2*time.Second, func() bool {
		return o.Workflow().Status == models.WorkflowStatusCompleted
	}, "workflow never completed after recover")
}
