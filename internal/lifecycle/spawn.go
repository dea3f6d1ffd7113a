package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/pkg/models"
)

// SpawnRequest describes one agent to create.
type SpawnRequest struct {
	Type      models.AgentType
	Task      string
	DependsOn []string
	// Config carries per-agent overrides. Recognized keys:
	// "model", "dependency_timeout" (a duration string).
	Config map[string]string
}

// SpawnAgent creates an agent in pending, registers it, then admits it:
// waits for all dependencies to complete (only active, non-paused time
// counts against the dependency-wait timeout), reserves a concurrency slot,
// starts a runtime session, registers the session mapping and sends the
// initial task message. It returns the agent id only once the session is
// confirmed started. On any failure the agent is left registered in error
// with a specific code and an empty id is returned.
func (m *Manager) SpawnAgent(ctx context.Context, req SpawnRequest) (string, error) {
	agent := &models.Agent{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Task:      req.Task,
		DependsOn: append([]string(nil), req.DependsOn...),
		Status:    models.AgentStatusPending,
		Config:    req.Config,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	if m.emitter != nil {
		m.emitter.Emit(events.Event{Type: events.AgentSpawned, AgentID: agent.ID})
	}

	if err := m.waitForDependencies(ctx, agent.ID); err != nil {
		return "", err
	}
	if err := m.acquireSlot(ctx, agent.ID); err != nil {
		return "", err
	}
	if err := m.startSession(ctx, agent.ID); err != nil {
		return "", err
	}
	return agent.ID, nil
}

// failSpawn marks the agent errored with a classified code and releases any
// partially-created session mapping.
func (m *Manager) failSpawn(agentID, code, message string) error {
	c := machine.ClassifyError(code, message, nil)

	m.mu.Lock()
	if a, ok := m.agents[agentID]; ok && a.SessionID != "" {
		m.unregisterSessionLocked(a.SessionID)
		a.SessionID = ""
	}
	changed := m.updateStatusLocked(agentID, models.AgentStatusError, &models.AgentError{
		Code:        code,
		Message:     message,
		Recoverable: c.CanRecover,
	})
	m.mu.Unlock()

	if changed {
		m.afterStatusChange(agentID, models.AgentStatusError)
	}
	return fmt.Errorf("spawn agent %s: %s: %s", agentID, code, message)
}

// dependencyTimeout resolves the dependency-wait budget for an agent,
// preferring a per-agent override.
func (m *Manager) dependencyTimeout(a *models.Agent) time.Duration {
	if raw, ok := a.Config["dependency_timeout"]; ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
		log.Printf("[lifecycle] agent %s: bad dependency_timeout %q, using default", a.ID, raw)
	}
	return m.cfg.Timeouts.DependencyWait
}

// waitForDependencies polls until every dependency completed. A dependency
// in error or cancelled fails the spawn with DEPENDENCY_FAILED. Time spent
// while this agent is paused does not count toward the timeout.
func (m *Manager) waitForDependencies(ctx context.Context, agentID string) error {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("spawn agent %s: removed during dependency wait", agentID)
	}
	deps := append([]string(nil), a.DependsOn...)
	timeout := m.dependencyTimeout(a)
	m.mu.RUnlock()

	if len(deps) == 0 {
		return nil
	}

	interval := m.cfg.Intervals.DependencyPoll
	var active time.Duration

	for {
		m.mu.RLock()
		self, ok := m.agents[agentID]
		if !ok {
			m.mu.RUnlock()
			return fmt.Errorf("spawn agent %s: removed during dependency wait", agentID)
		}
		if self.Status != models.AgentStatusPending {
			status := self.Status
			m.mu.RUnlock()
			return fmt.Errorf("spawn agent %s: left pending (%s) during dependency wait", agentID, status)
		}
		paused := self.InterruptReason == models.InterruptPause

		allDone := true
		var failedDep string
		for _, depID := range deps {
			dep, known := m.agents[depID]
			if !known {
				allDone = false
				continue
			}
			switch dep.Status {
			case models.AgentStatusCompleted:
			case models.AgentStatusError, models.AgentStatusCancelled:
				failedDep = depID
				allDone = false
			default:
				allDone = false
			}
		}
		m.mu.RUnlock()

		if failedDep != "" {
			return m.failSpawn(agentID, machine.CodeDependencyFailed,
				fmt.Sprintf("dependency %s failed or was cancelled", failedDep))
		}
		if allDone {
			return nil
		}
		if !paused && active >= timeout {
			return m.failSpawn(agentID, machine.CodeDependencyTimeout,
				fmt.Sprintf("dependencies not completed within %s", timeout))
		}

		select {
		case <-ctx.Done():
			return m.failSpawn(agentID, machine.CodeSpawnFailed, "spawn cancelled")
		case <-time.After(interval):
			if !paused {
				active += interval
			}
		}
	}
}

// acquireSlot polls until a concurrency slot is free, then atomically
// reserves it by transitioning the agent to running. A zero or negative
// max means unbounded.
func (m *Manager) acquireSlot(ctx context.Context, agentID string) error {
	interval := m.cfg.Intervals.SlotPoll
	max := m.cfg.Concurrency.MaxAgents

	for {
		m.mu.Lock()
		self, ok := m.agents[agentID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("spawn agent %s: removed during slot wait", agentID)
		}
		if self.Status != models.AgentStatusPending {
			status := self.Status
			m.mu.Unlock()
			return fmt.Errorf("spawn agent %s: left pending (%s) during slot wait", agentID, status)
		}
		if self.InterruptReason != models.InterruptPause && (max <= 0 || m.runningCount() < max) {
			changed := m.updateStatusLocked(agentID, models.AgentStatusRunning, nil)
			m.mu.Unlock()
			if changed {
				m.afterStatusChange(agentID, models.AgentStatusRunning)
			}
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return m.failSpawn(agentID, machine.CodeSpawnFailed, "spawn cancelled")
		case <-time.After(interval):
		}
	}
}

// startSession starts the runtime session with the role's policies,
// registers the session mapping and sends the initial task message.
func (m *Manager) startSession(ctx context.Context, agentID string) error {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("spawn agent %s: removed before session start", agentID)
	}
	role := m.roles.Get(a.Type)
	task := a.Task
	model := role.Model
	if override, ok := a.Config["model"]; ok && override != "" {
		model = override
	}
	m.mu.RUnlock()

	sessionID, sessionEvents, err := m.rt.Start(ctx, runtime.StartOptions{
		WorkDir:               m.workDir,
		Model:                 model,
		SandboxPolicy:         role.SandboxPolicy,
		ApprovalPolicy:        role.ApprovalPolicy,
		DeveloperInstructions: role.DeveloperInstructions,
	})
	if err != nil {
		return m.failSpawn(agentID, machine.CodeThreadStartFailed, err.Error())
	}

	m.mu.Lock()
	if _, taken := m.sessionIndex[sessionID]; taken {
		m.mu.Unlock()
		m.rt.Stop(sessionID)
		return m.failSpawn(agentID, machine.CodeThreadRegistrationFailed,
			fmt.Sprintf("session %s already registered", sessionID))
	}
	a, ok = m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		m.rt.Stop(sessionID)
		return fmt.Errorf("spawn agent %s: removed before session registration", agentID)
	}
	m.sessionIndex[sessionID] = agentID
	a.SessionID = sessionID
	m.mu.Unlock()

	go m.consumeSessionEvents(sessionID, sessionEvents)

	if err := m.rt.SendMessage(ctx, sessionID, task); err != nil {
		return m.failSpawn(agentID, machine.CodeInitialMessageFailed, err.Error())
	}
	return nil
}

// consumeSessionEvents routes one session's event stream into agent state.
func (m *Manager) consumeSessionEvents(sessionID string, ch <-chan runtime.SessionEvent) {
	for ev := range ch {
		m.handleSessionEvent(sessionID, ev)
	}
}

func (m *Manager) handleSessionEvent(sessionID string, ev runtime.SessionEvent) {
	m.mu.Lock()
	agentID, ok := m.sessionIndex[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case runtime.EventText:
		a.Output += ev.Text
		a.Progress.Current++
		m.mu.Unlock()
		if m.emitter != nil {
			m.emitter.Emit(events.Event{Type: events.AgentProgress, AgentID: agentID, Message: ev.Text})
		}

	case runtime.EventToolUse:
		a.Progress.Description = "using " + ev.Tool
		m.mu.Unlock()

	case runtime.EventApprovalRequest:
		a.PendingApprovals = append(a.PendingApprovals, ev.RequestID)
		m.mu.Unlock()

	case runtime.EventTurnComplete:
		a.PendingApprovals = nil
		if ev.Text != "" {
			a.Output = ev.Text
		}
		m.mu.Unlock()
		switch ev.Status {
		case runtime.TurnCompleted:
			m.UpdateAgentStatus(agentID, models.AgentStatusCompleted, nil)
		case runtime.TurnFailed:
			c := machine.ClassifyError(machine.CodeTaskFailed, ev.ErrMessage, nil)
			m.UpdateAgentStatus(agentID, models.AgentStatusError, &models.AgentError{
				Code:        machine.CodeTaskFailed,
				Message:     ev.ErrMessage,
				Recoverable: c.CanRecover,
			})
		case runtime.TurnInterrupted:
			// Pause and cancel already applied their own transition.
		}

	default:
		m.mu.Unlock()
	}
}
