// Package swarm implements the worktree execution harness: a coarse, fully
// parallel mode that drains a flat task list through per-worker git
// worktrees and merges each completed task into a shared staging branch.
package swarm

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecrain/phalanx/internal/config"
	"github.com/ecrain/phalanx/internal/events"
	execpkg "github.com/ecrain/phalanx/internal/exec"
	"github.com/ecrain/phalanx/internal/git"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/pkg/models"
)

// Options configures a swarm coordinator.
type Options struct {
	// Config supplies worker cap, failure threshold, timeouts and backoff.
	Config *config.Config
	// Roles supplies session policies for worker sessions.
	Roles *config.RoleCatalog
	// Repo is the git runner rooted at the project.
	Repo git.Runner
	// GitFor builds a git runner rooted at an arbitrary path. Used for
	// staging and committing inside worker worktrees. Defaults to
	// git.NewRunner.
	GitFor func(path string) git.Runner
	// Runtime executes task prompts.
	Runtime runtime.Runtime
	// Commands runs task test commands.
	Commands execpkg.CommandRunner
	// ProjectRoot is the repository root path.
	ProjectRoot string
	// Emitter receives swarm events, may be nil.
	Emitter *events.Emitter
}

// Coordinator owns one swarm run: the worktree layout, the task collection
// and the shared FIFO queue the worker loops drain.
type Coordinator struct {
	cfg     *config.Config
	roles   *config.RoleCatalog
	repo    git.Runner
	gitFor  func(path string) git.Runner
	rt      runtime.Runtime
	cmd     execpkg.CommandRunner
	root    string
	emitter *events.Emitter

	mu    sync.Mutex
	setup *models.WorktreeSetupContext
	// lastStaging survives cleanup so callers can report where merged work
	// landed.
	lastStaging string
	tasks       map[string]*models.SwarmTask
	// order preserves submission order for Tasks().
	order []string
	// queue is the shared FIFO of pending task ids.
	queue []string
	// byTitle resolves dependency titles to task ids.
	byTitle map[string]string
	// mergeMu serializes merges into the staging branch.
	mergeMu sync.Mutex
	running bool
	tripped bool
	cancel  context.CancelFunc
}

// NewCoordinator creates a swarm coordinator.
func NewCoordinator(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	roles := opts.Roles
	if roles == nil {
		roles = config.DefaultRoleCatalog()
	}
	gitFor := opts.GitFor
	if gitFor == nil {
		gitFor = func(path string) git.Runner { return git.NewRunner(path) }
	}
	return &Coordinator{
		cfg:     cfg,
		roles:   roles,
		repo:    opts.Repo,
		gitFor:  gitFor,
		rt:      opts.Runtime,
		cmd:     opts.Commands,
		root:    opts.ProjectRoot,
		emitter: opts.Emitter,
		tasks:   make(map[string]*models.SwarmTask),
		byTitle: make(map[string]string),
	}
}

// SetupSwarm prepares the git layout for a run: a uniquely named staging
// branch off the current head plus one isolated worktree and branch per
// worker. It refuses a dirty working copy. On any worktree failure every
// previously created worktree and the staging branch are rolled back.
func (c *Coordinator) SetupSwarm(workers int) (*models.WorktreeSetupContext, error) {
	if workers <= 0 || workers > c.cfg.Swarm.MaxWorkers {
		workers = c.cfg.Swarm.MaxWorkers
	}

	dirty, err := c.repo.HasChanges()
	if err != nil {
		return nil, fmt.Errorf("setup swarm: %w", err)
	}
	if dirty {
		return nil, fmt.Errorf("setup swarm: working copy has uncommitted changes, commit or stash first")
	}

	original, err := c.repo.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("setup swarm: %w", err)
	}

	runID := uuid.New().String()[:8]
	staging := fmt.Sprintf("phalanx/staging-%s", runID)
	if err := c.repo.CreateBranch(staging); err != nil {
		return nil, fmt.Errorf("setup swarm: create staging branch: %w", err)
	}

	setup := &models.WorktreeSetupContext{
		StagingBranch:  staging,
		OriginalBranch: original,
		ProjectRoot:    c.root,
	}

	for i := 0; i < workers; i++ {
		branch := fmt.Sprintf("phalanx/worker-%d-%s", i, runID)
		path := filepath.Join(c.root, ".phalanx", "worktrees", fmt.Sprintf("worker-%d", i))
		if err := c.repo.WorktreeAddNewBranch(path, branch); err != nil {
			c.rollbackSetup(setup)
			return nil, fmt.Errorf("setup swarm: worktree for worker %d: %w", i, err)
		}
		setup.WorktreePaths = append(setup.WorktreePaths, path)
		setup.WorkerBranches = append(setup.WorkerBranches, branch)
	}

	c.mu.Lock()
	c.setup = setup
	c.lastStaging = staging
	c.mu.Unlock()
	log.Printf("[swarm] setup complete: staging=%s workers=%d", staging, workers)
	return setup, nil
}

// rollbackSetup undoes a partial setup, continuing past individual
// failures.
func (c *Coordinator) rollbackSetup(setup *models.WorktreeSetupContext) {
	for i, path := range setup.WorktreePaths {
		if err := c.repo.WorktreeRemove(path); err != nil {
			log.Printf("[swarm] rollback: remove worktree %s: %v", path, err)
		}
		if err := c.repo.DeleteBranch(setup.WorkerBranches[i]); err != nil {
			log.Printf("[swarm] rollback: delete branch %s: %v", setup.WorkerBranches[i], err)
		}
	}
	if err := c.repo.DeleteBranch(setup.StagingBranch); err != nil {
		log.Printf("[swarm] rollback: delete staging %s: %v", setup.StagingBranch, err)
	}
}

// CleanupSwarm tears down the run's git layout. The original branch is
// checked out first so no deleted branch is ever the current one. Worktree
// removal continues past individual failures. Branch deletion is opt-in
// via swarm.delete_branches.
func (c *Coordinator) CleanupSwarm() error {
	c.mu.Lock()
	setup := c.setup
	c.setup = nil
	c.mu.Unlock()
	if setup == nil {
		return nil
	}

	var firstErr error
	if err := c.repo.CheckoutBranch(setup.OriginalBranch); err != nil {
		firstErr = fmt.Errorf("cleanup swarm: checkout %s: %w", setup.OriginalBranch, err)
		log.Printf("[swarm] %v", firstErr)
	}

	for _, path := range setup.WorktreePaths {
		if err := c.repo.WorktreeRemove(path); err != nil {
			log.Printf("[swarm] cleanup: remove worktree %s: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := c.repo.WorktreePrune(); err != nil {
		log.Printf("[swarm] cleanup: prune worktrees: %v", err)
	}

	if c.cfg.Swarm.DeleteBranches {
		for _, branch := range setup.WorkerBranches {
			if err := c.repo.DeleteBranch(branch); err != nil {
				log.Printf("[swarm] cleanup: delete branch %s: %v", branch, err)
			}
		}
		if err := c.repo.DeleteBranch(setup.StagingBranch); err != nil {
			log.Printf("[swarm] cleanup: delete staging %s: %v", setup.StagingBranch, err)
		}
	}
	return firstErr
}

// Tasks returns a snapshot of every task in submission order.
func (c *Coordinator) Tasks() []*models.SwarmTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.SwarmTask, 0, len(c.order))
	for _, id := range c.order {
		t := *c.tasks[id]
		t.DependsOn = append([]string(nil), c.tasks[id].DependsOn...)
		t.ConflictFiles = append([]string(nil), c.tasks[id].ConflictFiles...)
		out = append(out, &t)
	}
	return out
}

// Setup returns the current worktree layout, or nil outside a run.
func (c *Coordinator) Setup() *models.WorktreeSetupContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setup
}

// StagingBranch returns the staging branch of the most recent run, or ""
// before any setup.
func (c *Coordinator) StagingBranch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStaging
}

// enqueueTasks registers the task list and fills the FIFO. Titles must be
// unique since dependencies refer to them.
func (c *Coordinator) enqueueTasks(tasks []models.SwarmTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range tasks {
		t := tasks[i]
		if t.Title == "" {
			return fmt.Errorf("swarm: task %d has no title", i)
		}
		if _, dup := c.byTitle[t.Title]; dup {
			return fmt.Errorf("swarm: duplicate task title %q", t.Title)
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.Status = models.SwarmTaskPending
		t.WorkerIndex = -1
		c.tasks[t.ID] = &t
		c.order = append(c.order, t.ID)
		c.byTitle[t.Title] = t.ID
		c.queue = append(c.queue, t.ID)
	}

	for _, id := range c.order {
		for _, dep := range c.tasks[id].DependsOn {
			if _, ok := c.byTitle[dep]; !ok {
				return fmt.Errorf("swarm: task %q depends on unknown task %q", c.tasks[id].Title, dep)
			}
		}
	}
	return nil
}

// failTask marks a task failed with a message and stamps it finished.
// Caller must hold c.mu.
func (c *Coordinator) failTaskLocked(t *models.SwarmTask, msg string) {
	t.Status = models.SwarmTaskFailed
	t.Error = msg
	now := time.Now()
	t.FinishedAt = &now
	c.emit(events.Event{Type: events.SwarmTaskFailed, TaskID: t.ID, Message: msg})
}

func (c *Coordinator) emit(ev events.Event) {
	if c.emitter != nil {
		c.emitter.Emit(ev)
	}
}
