package swarm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ecrain/phalanx/internal/events"
	"github.com/ecrain/phalanx/internal/runtime"
	"github.com/ecrain/phalanx/pkg/models"
)

// claimState is the outcome of one queue poll.
type claimState int

const (
	claimClaimed claimState = iota
	claimWait
	claimDone
)

// RunSwarm executes the task list to completion: git setup, one worker
// loop per worktree, then cleanup. It returns an error when setup fails,
// when the run is cancelled, or when the circuit breaker aborted the run.
func (c *Coordinator) RunSwarm(ctx context.Context, tasks []models.SwarmTask) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("swarm: run already in progress")
	}
	c.running = true
	c.tripped = false
	c.tasks = make(map[string]*models.SwarmTask)
	c.order = nil
	c.queue = nil
	c.byTitle = make(map[string]string)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	if len(tasks) == 0 {
		return fmt.Errorf("swarm: no tasks")
	}
	if err := c.enqueueTasks(tasks); err != nil {
		return err
	}

	setup := c.Setup()
	if setup == nil {
		var err error
		setup, err = c.SetupSwarm(c.cfg.Swarm.MaxWorkers)
		if err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	var wg sync.WaitGroup
	for i := range setup.WorktreePaths {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c.workerLoop(runCtx, idx)
		}(i)
	}
	wg.Wait()

	if err := c.CleanupSwarm(); err != nil {
		log.Printf("[swarm] cleanup: %v", err)
	}

	c.mu.Lock()
	tripped := c.tripped
	c.mu.Unlock()
	if tripped {
		return fmt.Errorf("swarm: aborted, failure ratio exceeded %.0f%%", c.cfg.Swarm.FailureThreshold*100)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("swarm: cancelled: %w", err)
	}
	return nil
}

// CancelSwarm cancels an in-progress run and drains the queue so worker
// loops exit promptly.
func (c *Coordinator) CancelSwarm() {
	c.mu.Lock()
	cancel := c.cancel
	c.queue = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// workerLoop drains the shared queue until it is empty and no claimed task
// could still feed a deferred dependency.
func (c *Coordinator) workerLoop(ctx context.Context, idx int) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, state := c.claimNext(idx)
		switch state {
		case claimDone:
			return
		case claimWait:
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.Intervals.SwarmBackoff):
			}
		case claimClaimed:
			c.runTask(ctx, idx, id)
			c.checkBreaker()
		}
	}
}

// claimNext pops the queue head. Tasks whose dependencies are not all
// merged are requeued at the tail, unless a dependency failed, in which
// case the task fails immediately and is not requeued.
func (c *Coordinator) claimNext(workerIdx int) (string, claimState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		t := c.tasks[id]

		depFailed := ""
		depsReady := true
		for _, title := range t.DependsOn {
			dep := c.tasks[c.byTitle[title]]
			switch dep.Status {
			case models.SwarmTaskFailed:
				depFailed = title
			case models.SwarmTaskMerged:
			default:
				depsReady = false
			}
		}

		if depFailed != "" {
			c.failTaskLocked(t, fmt.Sprintf("dependency %q failed", depFailed))
			c.checkBreakerLocked()
			continue
		}
		if !depsReady {
			c.queue = append(c.queue, id)
			return "", claimWait
		}

		t.Status = models.SwarmTaskInProgress
		t.WorkerIndex = workerIdx
		now := time.Now()
		t.StartedAt = &now
		return id, claimClaimed
	}

	// Empty queue: done only once no claimed task could still requeue a
	// dependent behind us.
	for _, id := range c.order {
		switch c.tasks[id].Status {
		case models.SwarmTaskInProgress, models.SwarmTaskMerging:
			return "", claimWait
		}
	}
	return "", claimDone
}

// runTask executes one claimed task end to end: prompt the runtime in the
// worker's worktree, run the test command, commit, and merge into staging.
func (c *Coordinator) runTask(ctx context.Context, idx int, id string) {
	c.mu.Lock()
	t := c.tasks[id]
	title := t.Title
	setup := c.setup
	c.mu.Unlock()
	if setup == nil || idx >= len(setup.WorktreePaths) {
		c.failTask(id, "no worktree for worker")
		return
	}
	worktree := setup.WorktreePaths[idx]
	branch := setup.WorkerBranches[idx]

	c.emit(events.Event{Type: events.SwarmTaskStarted, TaskID: id, Message: title})
	log.Printf("[swarm] worker %d: task %q started", idx, title)

	if err := c.promptTask(ctx, worktree, id); err != nil {
		c.failTask(id, err.Error())
		return
	}

	if err := c.verifyAndCommit(ctx, worktree, id); err != nil {
		c.failTask(id, err.Error())
		return
	}

	c.mergeTask(id, branch)
}

// promptTask runs the task's prompt through a fresh runtime session in the
// worker's worktree and waits for the turn with a bounded timeout. On
// timeout the session is force-interrupted.
func (c *Coordinator) promptTask(ctx context.Context, worktree, id string) error {
	c.mu.Lock()
	t := c.tasks[id]
	prompt := t.Title
	if t.Description != "" {
		prompt = fmt.Sprintf("%s\n\n%s", t.Title, t.Description)
	}
	c.mu.Unlock()

	role := c.roles.Get(models.AgentTypeCoder)
	sessionID, eventCh, err := c.rt.Start(ctx, runtime.StartOptions{
		WorkDir:       worktree,
		Model:         role.Model,
		SandboxPolicy: role.SandboxPolicy,
		// Swarm sessions run unattended in an isolated worktree; nobody is
		// around to answer approval requests.
		ApprovalPolicy:        "never",
		DeveloperInstructions: role.DeveloperInstructions,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer c.rt.Stop(sessionID)

	if err := c.rt.SendMessage(ctx, sessionID, prompt); err != nil {
		return fmt.Errorf("send task: %w", err)
	}

	timer := time.NewTimer(c.cfg.Timeouts.SwarmTask)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				return fmt.Errorf("session closed before turn finished")
			}
			if ev.Type != runtime.EventTurnComplete {
				continue
			}
			switch ev.Status {
			case runtime.TurnCompleted:
				return nil
			case runtime.TurnInterrupted:
				return fmt.Errorf("turn interrupted")
			default:
				return fmt.Errorf("turn failed: %s", ev.ErrMessage)
			}
		case <-timer.C:
			if err := c.rt.Interrupt(context.Background(), sessionID); err != nil {
				log.Printf("[swarm] interrupt after timeout: %v", err)
			}
			return fmt.Errorf("task timed out after %s", c.cfg.Timeouts.SwarmTask)
		case <-ctx.Done():
			if err := c.rt.Interrupt(context.Background(), sessionID); err != nil {
				log.Printf("[swarm] interrupt after cancel: %v", err)
			}
			return ctx.Err()
		}
	}
}

// verifyAndCommit runs the task's test command in the worktree and commits
// whatever the session produced.
func (c *Coordinator) verifyAndCommit(ctx context.Context, worktree, id string) error {
	c.mu.Lock()
	t := c.tasks[id]
	testCmd := t.TestCommand
	title := t.Title
	c.mu.Unlock()

	if testCmd != "" && c.cmd != nil {
		out, err := c.cmd.RunShell(ctx, worktree, testCmd)
		if err != nil {
			return fmt.Errorf("test command failed: %v: %s", err, truncate(string(out), 500))
		}
	}

	wt := c.gitFor(worktree)
	dirty, err := wt.HasChanges()
	if err != nil {
		return fmt.Errorf("status in worktree: %w", err)
	}
	if !dirty {
		return nil
	}
	if err := wt.AddAll(); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if err := wt.Commit(title); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// mergeTask merges the worker's branch into the staging branch with a
// non-fast-forward merge. Merges are serialized; a conflict aborts the
// merge to restore a clean tree and fails the task with the conflicting
// paths recorded.
func (c *Coordinator) mergeTask(id, branch string) {
	c.mu.Lock()
	t := c.tasks[id]
	t.Status = models.SwarmTaskMerging
	staging := ""
	if c.setup != nil {
		staging = c.setup.StagingBranch
	}
	title := t.Title
	c.mu.Unlock()

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	if staging != "" {
		if err := c.repo.CheckoutBranch(staging); err != nil {
			c.failTask(id, fmt.Sprintf("checkout staging: %v", err))
			return
		}
	}

	result, err := c.repo.MergeNoFF(branch, fmt.Sprintf("merge task: %s", title))
	if err != nil {
		c.failTask(id, fmt.Sprintf("merge: %v", err))
		return
	}
	if !result.Success {
		if aerr := c.repo.MergeAbort(); aerr != nil {
			log.Printf("[swarm] merge abort: %v", aerr)
		}
		c.mu.Lock()
		t.ConflictFiles = append([]string(nil), result.ConflictFiles...)
		c.failTaskLocked(t, "merge conflict")
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	t.Status = models.SwarmTaskMerged
	now := time.Now()
	t.FinishedAt = &now
	c.mu.Unlock()
	c.emit(events.Event{Type: events.SwarmTaskMerged, TaskID: id, Message: title})
	log.Printf("[swarm] task %q merged into %s", title, staging)
}

// failTask marks a task failed by id.
func (c *Coordinator) failTask(id, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[id]; ok {
		c.failTaskLocked(t, msg)
	}
}

// checkBreaker trips the circuit breaker when the failed ratio exceeds the
// configured threshold, draining the queue so all worker loops exit.
func (c *Coordinator) checkBreaker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkBreakerLocked()
}

// checkBreakerLocked is checkBreaker for callers already holding c.mu.
func (c *Coordinator) checkBreakerLocked() {
	if c.tripped || len(c.order) == 0 {
		return
	}
	failed := 0
	for _, id := range c.order {
		if c.tasks[id].Status == models.SwarmTaskFailed {
			failed++
		}
	}
	if float64(failed) > c.cfg.Swarm.FailureThreshold*float64(len(c.order)) {
		log.Printf("[swarm] circuit breaker: %d/%d tasks failed, draining queue", failed, len(c.order))
		c.tripped = true
		c.queue = nil
		c.emit(events.Event{Type: events.SwarmAborted,
			Message: fmt.Sprintf("%d of %d tasks failed", failed, len(c.order))})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
