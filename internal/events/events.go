// Package events defines the typed event stream emitted by the lifecycle
// manager, the workflow orchestrator and the swarm harness. Observers
// (the CLI, a future UI) consume Events() instead of reading shared state.
package events

import (
	"log"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// AgentSpawned fires when an agent is created in pending.
	AgentSpawned Type = "agent_spawned"
	// AgentStatusChanged fires on every guarded agent transition.
	AgentStatusChanged Type = "agent_status_changed"
	// AgentProgress fires on incremental runtime output.
	AgentProgress Type = "agent_progress"
	// PhaseStarted fires when a phase enters running.
	PhaseStarted Type = "phase_started"
	// PhaseAwaitingApproval fires when a phase gates on human review.
	PhaseAwaitingApproval Type = "phase_awaiting_approval"
	// PhaseCompleted fires when a phase completes.
	PhaseCompleted Type = "phase_completed"
	// PhaseFailed fires when a phase fails.
	PhaseFailed Type = "phase_failed"
	// WorkflowStarted fires when a workflow enters running.
	WorkflowStarted Type = "workflow_started"
	// WorkflowCompleted fires when all phases complete.
	WorkflowCompleted Type = "workflow_completed"
	// WorkflowFailed fires when the workflow fails.
	WorkflowFailed Type = "workflow_failed"
	// WorkflowCancelled fires when the workflow is cancelled.
	WorkflowCancelled Type = "workflow_cancelled"
	// SwarmTaskStarted fires when a swarm worker claims a task.
	SwarmTaskStarted Type = "swarm_task_started"
	// SwarmTaskMerged fires when a swarm task lands on the staging branch.
	SwarmTaskMerged Type = "swarm_task_merged"
	// SwarmTaskFailed fires when a swarm task fails.
	SwarmTaskFailed Type = "swarm_task_failed"
	// SwarmAborted fires when the circuit breaker drains the queue.
	SwarmAborted Type = "swarm_aborted"
)

// Event is one notification from the orchestration core.
type Event struct {
	// Type identifies the kind of event.
	Type Type
	// WorkflowID is the affected workflow, if any.
	WorkflowID string
	// PhaseID is the affected phase, if any.
	PhaseID string
	// AgentID is the affected agent, if any.
	AgentID string
	// TaskID is the affected swarm task, if any.
	TaskID string
	// Status is the new status value, when the event is a transition.
	Status string
	// Message is a human-readable description.
	Message string
	// Err carries a failure, if any.
	Err error
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}

// Emitter is a thread-safe fan-in for events with a bounded buffer.
// Producers never block indefinitely: a full buffer gets a short grace
// period, then the event is dropped and counted.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the channel. If the channel is full it retries
// with a short timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[events] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only event channel for subscribers.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the event channel. Call only after all producers stopped.
func (e *Emitter) Close() {
	close(e.events)
}
