// Package runtime provides the agent-runtime boundary: sessions against the
// Anthropic API that accept task messages and asynchronously emit streamed
// output, approval requests, and a terminal turn status.
package runtime

import (
	"context"
	"time"
)

// SessionEventType identifies the kind of a session event.
type SessionEventType string

const (
	// EventText carries incremental assistant text.
	EventText SessionEventType = "text"
	// EventToolUse reports a tool invocation by the session.
	EventToolUse SessionEventType = "tool_use"
	// EventApprovalRequest asks a human to approve a gated tool call.
	EventApprovalRequest SessionEventType = "approval_request"
	// EventTurnComplete is the terminal event of a turn.
	EventTurnComplete SessionEventType = "turn_complete"
)

// TurnStatus is the terminal status of a session turn.
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnFailed      TurnStatus = "failed"
	TurnInterrupted TurnStatus = "interrupted"
)

// SessionEvent is one event emitted by a session.
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	// Text holds incremental text, or the full turn output on turn_complete.
	Text string
	// Tool names the tool for tool_use and approval_request events.
	Tool string
	// RequestID identifies an approval request for ResolveApproval.
	RequestID string
	// Status is set on turn_complete events.
	Status TurnStatus
	// ErrMessage describes a failed turn.
	ErrMessage string
	Timestamp  time.Time
}

// StartOptions configures a new session.
type StartOptions struct {
	// WorkDir is the directory tools operate in.
	WorkDir string
	// Model overrides the client's default model when non-empty.
	Model string
	// SandboxPolicy is "read-only" or "workspace-write". Read-only sessions
	// are not offered mutating tools at all.
	SandboxPolicy string
	// ApprovalPolicy is "never", "on-request", "on-failure" or "untrusted".
	// On-request and untrusted gate mutating tool calls behind an
	// approval_request event.
	ApprovalPolicy string
	// DeveloperInstructions is prepended to the system prompt.
	DeveloperInstructions string
}

// Runtime is the execution backend for agents. Implementations own session
// identity and deliver per-session events on the channel returned by Start.
type Runtime interface {
	// Start creates a session and returns its id and event channel.
	Start(ctx context.Context, opts StartOptions) (sessionID string, events <-chan SessionEvent, err error)

	// SendMessage begins a new turn with the given user text. The turn runs
	// asynchronously; its outcome arrives as a turn_complete event.
	SendMessage(ctx context.Context, sessionID, text string) error

	// Interrupt cancels the session's in-flight turn, if any. Interrupting
	// an idle or finished session is harmless.
	Interrupt(ctx context.Context, sessionID string) error

	// ResolveApproval answers a pending approval_request event.
	ResolveApproval(ctx context.Context, sessionID, requestID string, approve bool) error

	// Stop tears the session down and closes its event channel.
	Stop(sessionID string)
}
