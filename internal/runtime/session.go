package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
)

const (
	// sessionEventBuffer sizes each session's event channel.
	sessionEventBuffer = 64
	// defaultMaxTurnIterations bounds API calls within a single turn.
	defaultMaxTurnIterations = 50
	// emitTimeout bounds how long a session waits on a slow consumer
	// before dropping an event.
	emitTimeout = 100 * time.Millisecond
)

// session is one live agent-runtime session.
type session struct {
	id       string
	model    anthropic.Model
	sandbox  string
	approval string
	system   string
	executor *toolExecutor

	events chan SessionEvent
	// emitMu serializes event sends against channel closure in Stop.
	emitMu sync.RWMutex

	mu         sync.Mutex
	messages   []anthropic.MessageParam
	turnCancel context.CancelFunc
	turnActive bool
	approvals  map[string]chan bool
	closed     bool
}

// APIRuntime implements Runtime against the Anthropic API.
type APIRuntime struct {
	client        *Client
	maxIterations int

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewAPIRuntime creates a runtime backed by the given client.
func NewAPIRuntime(client *Client) *APIRuntime {
	return &APIRuntime{
		client:        client,
		maxIterations: defaultMaxTurnIterations,
		sessions:      make(map[string]*session),
	}
}

// Start creates a session and returns its id and event channel.
func (r *APIRuntime) Start(ctx context.Context, opts StartOptions) (string, <-chan SessionEvent, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	s := &session{
		id:        uuid.New().String(),
		model:     r.client.ResolveModel(opts.Model),
		sandbox:   opts.SandboxPolicy,
		approval:  opts.ApprovalPolicy,
		system:    opts.DeveloperInstructions,
		executor:  newToolExecutor(opts.WorkDir),
		events:    make(chan SessionEvent, sessionEventBuffer),
		approvals: make(map[string]chan bool),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	return s.id, s.events, nil
}

// SendMessage begins a new turn with the given user text.
func (r *APIRuntime) SendMessage(ctx context.Context, sessionID, text string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.emitMu.RLock()
	closed := s.closed
	s.emitMu.RUnlock()
	if closed {
		return fmt.Errorf("session %s is closed", sessionID)
	}

	s.mu.Lock()
	if s.turnActive {
		s.mu.Unlock()
		return fmt.Errorf("session %s: turn already in progress", sessionID)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.turnActive = true
	s.turnCancel = cancel
	s.messages = append(s.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	s.mu.Unlock()

	go r.runTurn(turnCtx, s)
	return nil
}

// Interrupt cancels the session's in-flight turn, if any.
func (r *APIRuntime) Interrupt(ctx context.Context, sessionID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// ResolveApproval answers a pending approval request.
func (r *APIRuntime) ResolveApproval(ctx context.Context, sessionID, requestID string, approve bool) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ch, ok := s.approvals[requestID]
	if ok {
		delete(s.approvals, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: no pending approval %s", sessionID, requestID)
	}
	ch <- approve
	return nil
}

// Stop tears the session down and closes its event channel.
func (r *APIRuntime) Stop(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.emitMu.Unlock()
}

func (r *APIRuntime) lookup(sessionID string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return s, nil
}

// runTurn drives the API call and tool execution cycle for one turn.
func (r *APIRuntime) runTurn(ctx context.Context, s *session) {
	defer func() {
		s.mu.Lock()
		s.turnActive = false
		s.turnCancel = nil
		s.mu.Unlock()
	}()

	tools := toolDefinitions(s.sandbox)
	var output string

	for iter := 0; iter < r.maxIterations; iter++ {
		if ctx.Err() != nil {
			s.emit(SessionEvent{Type: EventTurnComplete, Status: TurnInterrupted})
			return
		}

		s.mu.Lock()
		history := make([]anthropic.MessageParam, len(s.messages))
		copy(history, s.messages)
		s.mu.Unlock()

		resp, err := r.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: s.system},
			},
			Messages: history,
			Tools:    tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.emit(SessionEvent{Type: EventTurnComplete, Status: TurnInterrupted})
				return
			}
			s.emit(SessionEvent{Type: EventTurnComplete, Status: TurnFailed, ErrMessage: err.Error()})
			return
		}

		r.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				output += variant.Text
				s.emit(SessionEvent{Type: EventText, Text: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				s.emit(SessionEvent{Type: EventToolUse, Tool: variant.Name})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				outcome := r.executeTool(ctx, s, variant.Name, variant.Input)
				if ctx.Err() != nil {
					s.emit(SessionEvent{Type: EventTurnComplete, Status: TurnInterrupted})
					return
				}
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, outcome.Content, outcome.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			s.emit(SessionEvent{Type: EventTurnComplete, Status: TurnCompleted, Text: output})
			s.mu.Lock()
			s.messages = append(s.messages, anthropic.NewAssistantMessage(assistantBlocks...))
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.messages = append(s.messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			s.messages = append(s.messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
		s.mu.Unlock()
	}

	s.emit(SessionEvent{
		Type:       EventTurnComplete,
		Status:     TurnFailed,
		ErrMessage: fmt.Sprintf("max iterations (%d) reached", r.maxIterations),
	})
}

// executeTool runs one tool call, gating mutating tools behind an approval
// request when the session's approval policy requires it.
func (r *APIRuntime) executeTool(ctx context.Context, s *session, name string, input []byte) toolOutcome {
	if s.requiresApproval(name) {
		approved, err := s.requestApproval(ctx, name)
		if err != nil {
			return toolOutcome{Content: "approval wait cancelled", IsError: true}
		}
		if !approved {
			return toolOutcome{Content: fmt.Sprintf("%s call denied by user", name), IsError: true}
		}
	}
	return s.executor.execute(ctx, name, input)
}

// requiresApproval reports whether a tool call must be approved by a human
// before executing.
func (s *session) requiresApproval(tool string) bool {
	if !mutatingTools[tool] {
		return false
	}
	return s.approval == "on-request" || s.approval == "untrusted"
}

// requestApproval emits an approval_request event and blocks until it is
// resolved or the turn is cancelled.
func (s *session) requestApproval(ctx context.Context, tool string) (bool, error) {
	requestID := uuid.New().String()
	ch := make(chan bool, 1)

	s.mu.Lock()
	s.approvals[requestID] = ch
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventApprovalRequest, Tool: tool, RequestID: requestID})

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.approvals, requestID)
		s.mu.Unlock()
		return false, ctx.Err()
	}
}

// emit delivers an event, waiting briefly for a slow consumer before
// dropping it. Turn-terminal events are never dropped silently.
func (s *session) emit(ev SessionEvent) {
	ev.SessionID = s.id
	ev.Timestamp = time.Now()

	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
	case <-timer.C:
		log.Printf("[runtime] session %s dropped %s event (consumer too slow)", s.id, ev.Type)
	}
}

// Verify APIRuntime implements Runtime at compile time.
var _ Runtime = (*APIRuntime)(nil)
