package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/runtime"
)

// fakeRuntime is an in-memory Runtime double. Tests drive turn outcomes
// through completeTurn/failTurn.
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	channels   map[string]chan runtime.SessionEvent
	messages   map[string][]string
	interrupts map[string]int
	startErr   error
	sendErr    error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		channels:   make(map[string]chan runtime.SessionEvent),
		messages:   make(map[string][]string),
		interrupts: make(map[string]int),
	}
}

func (f *fakeRuntime) Start(ctx context.Context, opts runtime.StartOptions) (string, <-chan runtime.SessionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", nil, f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	ch := make(chan runtime.SessionEvent, 16)
	f.channels[id] = ch
	return id, ch, nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, ok := f.channels[sessionID]; !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	f.messages[sessionID] = append(f.messages[sessionID], text)
	return nil
}

func (f *fakeRuntime) Interrupt(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[sessionID]; !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	f.interrupts[sessionID]++
	return nil
}

func (f *fakeRuntime) ResolveApproval(ctx context.Context, sessionID, requestID string, approve bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[sessionID]; !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
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

func (f *fakeRuntime) emit(sessionID string, ev runtime.SessionEvent) {
	f.mu.Lock()
	ch, ok := f.channels[sessionID]
	f.mu.Unlock()
	if ok {
		ev.SessionID = sessionID
		ch <- ev
	}
}

func (f *fakeRuntime) completeTurn(sessionID, output string) {
	f.emit(sessionID, runtime.SessionEvent{
		Type:   runtime.EventTurnComplete,
		Status: runtime.TurnCompleted,
		Text:   output,
	})
}

func (f *fakeRuntime) failTurn(sessionID, message string) {
	f.emit(sessionID, runtime.SessionEvent{
		Type:       runtime.EventTurnComplete,
		Status:     runtime.TurnFailed,
		ErrMessage: message,
	})
}

func (f *fakeRuntime) interruptCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts[sessionID]
}

func (f *fakeRuntime) sentMessages(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[sessionID]...)
}

// testConfig returns a config with short intervals suitable for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Intervals.DependencyPoll = 5 * time.Millisecond
	cfg.Intervals.SlotPoll = 5 * time.Millisecond
	cfg.Timeouts.DependencyWait = time.Second
	cfg.Timeouts.Pause = time.Second
	return cfg
}
