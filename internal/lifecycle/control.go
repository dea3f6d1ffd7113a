package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/pkg/models"
)

// PauseAgent interrupts the agent's session (if running) and parks it in
// pending with a pause interrupt reason. A wall-clock pause timeout forces
// the agent to error with PAUSE_TIMEOUT if it is never resumed. Concurrent
// duplicate pause calls on the same agent are dropped, not queued.
func (m *Manager) PauseAgent(id string) {
	m.mu.Lock()
	if m.pauseFlight[id] {
		m.mu.Unlock()
		log.Printf("[lifecycle] pause already in flight for agent %s, ignoring", id)
		return
	}
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		log.Printf("[lifecycle] pause for unknown agent %s", id)
		return
	}
	if a.Status != models.AgentStatusRunning && a.Status != models.AgentStatusPending {
		m.mu.Unlock()
		log.Printf("[lifecycle] agent %s not pausable from %s", id, a.Status)
		return
	}
	if a.InterruptReason == models.InterruptPause {
		m.mu.Unlock()
		log.Printf("[lifecycle] agent %s already paused, ignoring", id)
		return
	}
	m.pauseFlight[id] = true
	sessionID := a.SessionID
	wasRunning := a.Status == models.AgentStatusRunning
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pauseFlight, id)
		m.mu.Unlock()
	}()

	if wasRunning && sessionID != "" {
		m.interruptSession(sessionID)
	}

	m.mu.Lock()
	a, ok = m.agents[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	a.InterruptReason = models.InterruptPause
	changed := false
	if a.Status == models.AgentStatusRunning {
		changed = m.updateStatusLocked(id, models.AgentStatusPending, nil)
	}
	m.startPauseTimerLocked(id)
	m.mu.Unlock()

	if changed {
		m.afterStatusChange(id, models.AgentStatusPending)
	}
}

// startPauseTimerLocked arms the pause timeout. Caller must hold m.mu.
func (m *Manager) startPauseTimerLocked(id string) {
	if t, ok := m.pauseTimers[id]; ok {
		t.Stop()
	}
	timeout := m.cfg.Timeouts.Pause
	if timeout <= 0 {
		return
	}
	m.pauseTimers[id] = time.AfterFunc(timeout, func() { m.expirePause(id) })
}

// expirePause fires when a paused agent was not resumed in time: the
// session (if any) is interrupted and the agent is forced to error.
func (m *Manager) expirePause(id string) {
	m.mu.Lock()
	delete(m.pauseTimers, id)
	a, ok := m.agents[id]
	if !ok || a.InterruptReason != models.InterruptPause {
		m.mu.Unlock()
		return
	}
	sessionID := a.SessionID
	a.InterruptReason = ""
	c := machine.ClassifyError(machine.CodePauseTimeout, "", nil)
	changed := m.updateStatusLocked(id, models.AgentStatusError, &models.AgentError{
		Code:        machine.CodePauseTimeout,
		Message:     fmt.Sprintf("agent not resumed within %s", m.cfg.Timeouts.Pause),
		Recoverable: c.CanRecover,
	})
	m.mu.Unlock()

	m.interruptSession(sessionID)
	if changed {
		m.afterStatusChange(id, models.AgentStatusError)
	}
}

// ResumeAgent clears the pause timeout and interrupt reason. If a session
// exists the agent re-enters running and receives a continuation message;
// otherwise the in-flight spawn sequence simply proceeds.
func (m *Manager) ResumeAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resume: unknown agent %s", id)
	}
	if a.InterruptReason != models.InterruptPause {
		m.mu.Unlock()
		return fmt.Errorf("resume: agent %s is not paused", id)
	}
	if t, ok := m.pauseTimers[id]; ok {
		t.Stop()
		delete(m.pauseTimers, id)
	}
	a.InterruptReason = ""
	sessionID := a.SessionID
	changed := false
	if sessionID != "" {
		changed = m.updateStatusLocked(id, models.AgentStatusRunning, nil)
	}
	m.mu.Unlock()

	if changed {
		m.afterStatusChange(id, models.AgentStatusRunning)
	}
	if sessionID != "" {
		if err := m.rt.SendMessage(ctx, sessionID, "Continue with your task."); err != nil {
			return fmt.Errorf("resume agent %s: %w", id, err)
		}
	}
	return nil
}

// RetryAgent retries an errored agent: progress is reset and the existing
// session (if any) receives a retry message; an agent that never got a
// session is respawned from scratch and the old record removed. Returns the
// id of the (possibly new) agent.
func (m *Manager) RetryAgent(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("retry: unknown agent %s", id)
	}
	if a.Status != models.AgentStatusError {
		status := a.Status
		m.mu.Unlock()
		return "", fmt.Errorf("retry: agent %s is %s, not error", id, status)
	}

	prevMessage := ""
	if a.Error != nil {
		prevMessage = a.Error.Message
	}
	a.Progress = models.Progress{}
	sessionID := a.SessionID

	if sessionID != "" {
		// error -> pending -> running through the guarded path.
		m.updateStatusLocked(id, models.AgentStatusPending, nil)
		changed := m.updateStatusLocked(id, models.AgentStatusRunning, nil)
		m.mu.Unlock()
		if changed {
			m.afterStatusChange(id, models.AgentStatusRunning)
		}
		msg := "Your previous attempt failed. Please retry the task."
		if prevMessage != "" {
			msg = fmt.Sprintf("Your previous attempt failed: %s. Please retry the task.", prevMessage)
		}
		if err := m.rt.SendMessage(ctx, sessionID, msg); err != nil {
			return "", fmt.Errorf("retry agent %s: %w", id, err)
		}
		return id, nil
	}

	req := SpawnRequest{
		Type:      a.Type,
		Task:      a.Task,
		DependsOn: append([]string(nil), a.DependsOn...),
		Config:    a.Config,
	}
	m.mu.Unlock()

	m.RemoveAgent(id)
	return m.SpawnAgent(ctx, req)
}

// SkipAgent marks an errored or pending agent as completed with a synthetic
// progress marker, without re-invoking the runtime. Skip is a forced
// completion: it intentionally bypasses the transition table, which has no
// pending/error -> completed edge.
func (m *Manager) SkipAgent(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("skip: unknown agent %s", id)
	}
	if a.Status != models.AgentStatusError && a.Status != models.AgentStatusPending {
		status := a.Status
		m.mu.Unlock()
		return fmt.Errorf("skip: agent %s is %s, not error or pending", id, status)
	}
	from := a.Status
	now := time.Now()
	a.Status = models.AgentStatusCompleted
	a.CompletedAt = &now
	a.Error = nil
	a.InterruptReason = ""
	a.Progress.Description = "skipped"
	if t, ok := m.pauseTimers[id]; ok {
		t.Stop()
		delete(m.pauseTimers, id)
	}
	if m.recorder != nil {
		m.recorder.RecordTransition("agent", id, string(from), string(models.AgentStatusCompleted), "skipped")
	}
	m.mu.Unlock()

	m.afterStatusChange(id, models.AgentStatusCompleted)
	return nil
}

// CancelAgent interrupts any session and transitions the agent to cancelled
// with a cancel interrupt reason.
func (m *Manager) CancelAgent(id string) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		log.Printf("[lifecycle] cancel for unknown agent %s", id)
		return
	}
	sessionID := a.SessionID
	if t, ok := m.pauseTimers[id]; ok {
		t.Stop()
		delete(m.pauseTimers, id)
	}
	changed := m.updateStatusLocked(id, models.AgentStatusCancelled, nil)
	if changed {
		a.InterruptReason = models.InterruptCancel
	}
	m.mu.Unlock()

	if changed {
		m.interruptSession(sessionID)
		m.afterStatusChange(id, models.AgentStatusCancelled)
	}
}

// RemoveAgent deregisters the agent's session mapping and deletes the agent.
func (m *Manager) RemoveAgent(id string) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if t, ok := m.pauseTimers[id]; ok {
		t.Stop()
		delete(m.pauseTimers, id)
	}
	m.unregisterSessionLocked(a.SessionID)
	delete(m.agents, id)
	m.mu.Unlock()
}

// ClearAgents best-effort interrupts every known session, then clears all
// agent state. Individual interrupt failures are logged and skipped.
func (m *Manager) ClearAgents() {
	m.mu.Lock()
	sessions := make([]string, 0, len(m.sessionIndex))
	for sessionID := range m.sessionIndex {
		sessions = append(sessions, sessionID)
	}
	for _, t := range m.pauseTimers {
		t.Stop()
	}
	m.pauseTimers = make(map[string]*time.Timer)
	m.pauseFlight = make(map[string]bool)
	m.agents = make(map[string]*models.Agent)
	m.sessionIndex = make(map[string]string)
	m.mu.Unlock()

	for _, sessionID := range sessions {
		m.interruptSession(sessionID)
		m.rt.Stop(sessionID)
	}
}

// ResolveApproval answers one of the agent's pending safety-approval
// requests and removes it from the pending list.
func (m *Manager) ResolveApproval(ctx context.Context, agentID, requestID string, approve bool) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval: unknown agent %s", agentID)
	}
	sessionID := a.SessionID
	kept := a.PendingApprovals[:0]
	found := false
	for _, r := range a.PendingApprovals {
		if r == requestID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	a.PendingApprovals = kept
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("approval: agent %s has no pending request %s", agentID, requestID)
	}
	if sessionID == "" {
		return fmt.Errorf("approval: agent %s has no session", agentID)
	}
	return m.rt.ResolveApproval(ctx, sessionID, requestID, approve)
}
