// Package lifecycle owns the Agent collection: spawning agents through the
// runtime with dependency and concurrency-slot admission, pause/resume,
// retry, skip, cancellation and removal. All agent mutation goes through the
// manager's transition-guarded setters.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/machine"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/pkg/models"
)

// Recorder journals entity transitions for run history. Implementations
// must not block.
type Recorder interface {
	RecordTransition(kind, id, from, to, detail string)
}

// Options configures a Manager.
type Options struct {
	Config  *config.Config
	Roles   *config.RoleCatalog
	Runtime runtime.Runtime
	// WorkDir is the project directory agent sessions operate in.
	WorkDir string
	// Emitter receives agent events. Optional.
	Emitter *events.Emitter
	// Recorder journals transitions. Optional.
	Recorder Recorder
}

// Manager owns the agent collection and the session-to-agent index.
type Manager struct {
	cfg      *config.Config
	roles    *config.RoleCatalog
	rt       runtime.Runtime
	workDir  string
	emitter  *events.Emitter
	recorder Recorder

	mu           sync.RWMutex
	agents       map[string]*models.Agent
	sessionIndex map[string]string
	pauseFlight  map[string]bool
	pauseTimers  map[string]*time.Timer

	// onTerminal is invoked (on its own goroutine) whenever an agent
	// reaches a terminal status. The orchestrator uses it to schedule a
	// version-guarded phase-completion check.
	onTerminal func(agentID string)
}

// NewManager creates a lifecycle manager.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	roles := opts.Roles
	if roles == nil {
		roles = config.DefaultRoleCatalog()
	}
	return &Manager{
		cfg:          cfg,
		roles:        roles,
		rt:           opts.Runtime,
		workDir:      opts.WorkDir,
		emitter:      opts.Emitter,
		recorder:     opts.Recorder,
		agents:       make(map[string]*models.Agent),
		sessionIndex: make(map[string]string),
		pauseFlight:  make(map[string]bool),
		pauseTimers:  make(map[string]*time.Timer),
	}
}

// SetTerminalHandler installs the callback invoked when an agent reaches a
// terminal status.
func (m *Manager) SetTerminalHandler(fn func(agentID string)) {
	m.mu.Lock()
	m.onTerminal = fn
	m.mu.Unlock()
}

// Agent returns a deep copy of the agent, if known.
func (m *Manager) Agent(id string) (*models.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Agents returns deep copies of all known agents.
func (m *Manager) Agents() []*models.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	return out
}

// AgentBySession resolves a runtime session id to an agent copy.
func (m *Manager) AgentBySession(sessionID string) (*models.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agentID, ok := m.sessionIndex[sessionID]
	if !ok {
		return nil, false
	}
	a, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// UpdateAgentStatus applies a transition-guarded status change. Illegal
// transitions are logged and dropped. Terminal statuses stamp CompletedAt
// and trigger the terminal handler.
func (m *Manager) UpdateAgentStatus(id string, status models.AgentStatus, agentErr *models.AgentError) {
	m.mu.Lock()
	changed := m.updateStatusLocked(id, status, agentErr)
	m.mu.Unlock()

	if changed {
		m.afterStatusChange(id, status)
	}
}

// updateStatusLocked is the single mutation point for agent status. Caller
// must hold m.mu. Returns true if the status actually changed.
func (m *Manager) updateStatusLocked(id string, status models.AgentStatus, agentErr *models.AgentError) bool {
	a, ok := m.agents[id]
	if !ok {
		log.Printf("[lifecycle] status update for unknown agent %s", id)
		return false
	}
	from := a.Status
	if !machine.CanAgentTransition(from, status) {
		log.Printf("[lifecycle] agent %s: invalid transition %s -> %s, ignoring", id, from, status)
		return false
	}

	a.Status = status
	now := time.Now()
	switch status {
	case models.AgentStatusRunning:
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
	case models.AgentStatusCompleted, models.AgentStatusError, models.AgentStatusCancelled:
		a.CompletedAt = &now
	}
	if agentErr != nil {
		a.Error = agentErr
	} else if status != models.AgentStatusError {
		a.Error = nil
	}

	detail := ""
	if a.Error != nil {
		detail = a.Error.Code
	}
	if m.recorder != nil {
		m.recorder.RecordTransition("agent", id, string(from), string(status), detail)
	}
	return true
}

// afterStatusChange emits the transition event and, for terminal statuses,
// schedules the deferred phase-completion check. Call without m.mu held.
func (m *Manager) afterStatusChange(id string, status models.AgentStatus) {
	if m.emitter != nil {
		m.emitter.Emit(events.Event{
			Type:    events.AgentStatusChanged,
			AgentID: id,
			Status:  string(status),
		})
	}
	if status.Terminal() {
		m.mu.RLock()
		fn := m.onTerminal
		m.mu.RUnlock()
		if fn != nil {
			go fn(id)
		}
	}
}

// runningCount counts agents currently in running. Caller must hold m.mu.
func (m *Manager) runningCount() int {
	n := 0
	for _, a := range m.agents {
		if a.Status == models.AgentStatusRunning {
			n++
		}
	}
	return n
}

// interruptSession best-effort interrupts a runtime session. A session that
// has already finished is harmless to interrupt.
func (m *Manager) interruptSession(sessionID string) {
	if sessionID == "" {
		return
	}
	if err := m.rt.Interrupt(context.Background(), sessionID); err != nil {
		log.Printf("[lifecycle] interrupt session %s: %v", sessionID, err)
	}
}

// unregisterSessionLocked removes the session-to-agent mapping and tears the
// session down. Caller must hold m.mu.
func (m *Manager) unregisterSessionLocked(sessionID string) {
	if sessionID == "" {
		return
	}
	delete(m.sessionIndex, sessionID)
	m.rt.Stop(sessionID)
}
