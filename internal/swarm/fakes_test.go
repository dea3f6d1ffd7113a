package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/git"
	"github.com/ecrain/phalanx/internal/runtime"
)

// fakeGit is an in-memory git.Runner recording every operation.
type fakeGit struct {
	mu            sync.Mutex
	current       string
	branches      map[string]bool
	worktrees     map[string]string
	dirty         bool
	ops           []string
	worktreeFails int
	// conflictTitles fails MergeNoFF when the merge message contains the
	// title.
	conflictTitles map[string]bool
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		current:        "main",
		branches:       map[string]bool{"main": true},
		worktrees:      make(map[string]string),
		conflictTitles: make(map[string]bool),
	}
}

func (g *fakeGit) record(op string) { g.ops = append(g.ops, op) }

func (g *fakeGit) opLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

func (g *fakeGit) CurrentBranch() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, nil
}

func (g *fakeGit) CreateBranch(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("branch " + name)
	g.branches[name] = true
	return nil
}

func (g *fakeGit) CheckoutBranch(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("checkout " + name)
	if !g.branches[name] {
		return fmt.Errorf("no such branch %s", name)
	}
	g.current = name
	return nil
}

func (g *fakeGit) BranchExists(name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[name], nil
}

func (g *fakeGit) DeleteBranch(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("delete-branch " + name)
	delete(g.branches, name)
	return nil
}

func (g *fakeGit) Status() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty {
		return " M file.go", nil
	}
	return "", nil
}

func (g *fakeGit) HasChanges() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty, nil
}

func (g *fakeGit) ConflictedFiles() ([]string, error) { return nil, nil }

func (g *fakeGit) AddAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("add -A")
	return nil
}

func (g *fakeGit) Commit(message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("commit " + message)
	g.dirty = false
	return nil
}

func (g *fakeGit) MergeNoFF(branch, message string) (git.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("merge " + message)
	for title := range g.conflictTitles {
		if strings.Contains(message, title) {
			return git.MergeResult{
				Success:       false,
				ConflictFiles: []string{"conflicted.go"},
				Message:       "CONFLICT",
			}, nil
		}
	}
	return git.MergeResult{Success: true}, nil
}

func (g *fakeGit) MergeAbort() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("merge --abort")
	return nil
}

func (g *fakeGit) WorktreeAddNewBranch(path, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.worktreeFails > 0 && len(g.worktrees) >= g.worktreeFails {
		return fmt.Errorf("worktree add failed")
	}
	g.record("worktree add " + path)
	g.worktrees[path] = branch
	g.branches[branch] = true
	return nil
}

func (g *fakeGit) WorktreeRemove(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("worktree remove " + path)
	delete(g.worktrees, path)
	return nil
}

func (g *fakeGit) WorktreePrune() error { return nil }

func (g *fakeGit) Run(args ...string) (string, error) { return "", nil }

var _ git.Runner = (*fakeGit)(nil)

// fakeSwarmRuntime completes every turn automatically. Prompts containing
// "FAIL" fail the turn; neverComplete leaves the turn hanging.
type fakeSwarmRuntime struct {
	mu            sync.Mutex
	nextID        int
	channels      map[string]chan runtime.SessionEvent
	interrupts    int
	neverComplete bool
}

func newFakeSwarmRuntime() *fakeSwarmRuntime {
	return &fakeSwarmRuntime{channels: make(map[string]chan runtime.SessionEvent)}
}

func (f *fakeSwarmRuntime) Start(ctx context.Context, opts runtime.StartOptions) (string, <-chan runtime.SessionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	ch := make(chan runtime.SessionEvent, 4)
	f.channels[id] = ch
	return id, ch, nil
}

func (f *fakeSwarmRuntime) SendMessage(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	ch, ok := f.channels[sessionID]
	never := f.neverComplete
	f.mu.Unlock()
	if !ok || never {
		return nil
	}
	go func() {
		time.Sleep(time.Millisecond)
		ev := runtime.SessionEvent{Type: runtime.EventTurnComplete, SessionID: sessionID, Status: runtime.TurnCompleted}
		if strings.Contains(text, "FAIL") {
			ev.Status = runtime.TurnFailed
			ev.ErrMessage = "induced failure"
		}
		defer func() { recover() }()
		ch <- ev
	}()
	return nil
}

func (f *fakeSwarmRuntime) Interrupt(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeSwarmRuntime) ResolveApproval(ctx context.Context, sessionID, requestID string, approve bool) error {
	return nil
}

func (f *fakeSwarmRuntime) Stop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[sessionID]; ok {
		close(ch)
		delete(f.channels, sessionID)
	}
}

func (f *fakeSwarmRuntime) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// fakeCommands records shell invocations and optionally fails them.
type fakeCommands struct {
	mu   sync.Mutex
	runs []string
	fail bool
}

func (f *fakeCommands) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	return nil, nil
}

func (f *fakeCommands) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, command)
	if f.fail {
		return []byte("tests failed"), fmt.Errorf("exit status 1")
	}
	return []byte("ok"), nil
}

func swarmTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Swarm.MaxWorkers = 2
	cfg.Timeouts.SwarmTask = time.Second
	cfg.Intervals.SwarmBackoff = 2 * time.Millisecond
	return cfg
}

func newTestCoordinator(cfg *config.Config, repo *fakeGit, rt *fakeSwarmRuntime) *Coordinator {
	if cfg == nil {
		cfg = swarmTestConfig()
	}
	// Worktree-level git runners report a clean tree so the commit step is
	// skipped unless a test opts in.
	return NewCoordinator(Options{
		Config:      cfg,
		Repo:        repo,
		GitFor:      func(path string) git.Runner { return newFakeGit() },
		Runtime:     rt,
		Commands:    &fakeCommands{},
		ProjectRoot: "/repo",
	})
}
