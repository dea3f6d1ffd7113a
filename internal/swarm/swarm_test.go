package swarm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ecrain/phalanx/pkg/models"
)

func taskByTitle(t *testing.T, c *Coordinator, title string) *models.SwarmTask {
	t.Helper()
	for _, task := range c.Tasks() {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task titled %q", title)
	return nil
}

func TestSetupSwarm_RefusesDirtyWorkingCopy(t *testing.T) {
	repo := newFakeGit()
	repo.dirty = true
	c := newTestCoordinator(nil, repo, newFakeSwarmRuntime())

	if _, err := c.SetupSwarm(2); err == nil {
		t.Fatal("SetupSwarm() succeeded on a dirty working copy")
	}
}

func TestSetupSwarm_RollsBackOnWorktreeFailure(t *testing.T) {
	repo := newFakeGit()
	repo.worktreeFails = 1 // second worktree add fails
	c := newTestCoordinator(nil, repo, newFakeSwarmRuntime())

	if _, err := c.SetupSwarm(2); err == nil {
		t.Fatal("SetupSwarm() succeeded despite worktree failure")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.worktrees) != 0 {
		t.Errorf("rollback left %d worktrees", len(repo.worktrees))
	}
	for name := range repo.branches {
		if strings.HasPrefix(name, "phalanx/") {
			t.Errorf("rollback left branch %s", name)
		}
	}
}

func TestRunSwarm_AllTasksMerge(t *testing.T) {
	repo := newFakeGit()
	c := newTestCoordinator(nil, repo, newFakeSwarmRuntime())

	tasks := []models.SwarmTask{
		{Title: "task a", Description: "first"},
		{Title: "task b", Description: "second"},
	}
	if err := c.RunSwarm(context.Background(), tasks); err != nil {
		t.Fatalf("RunSwarm() error: %v", err)
	}

	for _, title := range []string{"task a", "task b"} {
		task := taskByTitle(t, c, title)
		if task.Status != models.SwarmTaskMerged {
			t.Errorf("%s = %s, want merged", title, task.Status)
		}
		if task.FinishedAt == nil {
			t.Errorf("%s has no finish time", title)
		}
	}

	// Cleanup must return to the original branch before any teardown.
	if cur, _ := repo.CurrentBranch(); cur != "main" {
		t.Errorf("ended on branch %s, want main", cur)
	}
	repo.mu.Lock()
	worktreesLeft := len(repo.worktrees)
	repo.mu.Unlock()
	if worktreesLeft != 0 {
		t.Errorf("cleanup left %d worktrees", worktreesLeft)
	}
}

func TestRunSwarm_DependentTaskDeferredUntilMerge(t *testing.T) {
	repo := newFakeGit()
	c := newTestCoordinator(nil, repo, newFakeSwarmRuntime())

	tasks := []models.SwarmTask{
		{Title: "base a"},
		{Title: "base b"},
		{Title: "dependent", DependsOn: []string{"base a", "base b"}},
	}
	if err := c.RunSwarm(context.Background(), tasks); err != nil {
		t.Fatalf("RunSwarm() error: %v", err)
	}

	dep := taskByTitle(t, c, "dependent")
	if dep.Status != models.SwarmTaskMerged {
		t.Fatalf("dependent = %s (%s), want merged", dep.Status, dep.Error)
	}

	// The dependent merge must land after both dependency merges.
	var mergeOrder []string
	for _, op := range repo.opLog() {
		if strings.HasPrefix(op, "merge merge task: ") {
			mergeOrder = append(mergeOrder, strings.TrimPrefix(op, "merge merge task: "))
		}
	}
	if len(mergeOrder) != 3 {
		t.Fatalf("merge count = %d, want 3 (%v)", len(mergeOrder), mergeOrder)
	}
	if mergeOrder[2] != "dependent" {
		t.Errorf("merge order = %v, dependent must be last", mergeOrder)
	}
}

func TestRunSwarm_FailedDependencySkipsDependent(t *testing.T) {
	repo := newFakeGit()
	cfg := swarmTestConfig()
	cfg.Swarm.FailureThreshold = 1.0 // keep the breaker out of this test
	c := newTestCoordinator(cfg, repo, newFakeSwarmRuntime())

	tasks := []models.SwarmTask{
		{Title: "doomed", Description: "FAIL this one"},
		{Title: "dependent", DependsOn: []string{"doomed"}},
	}
	err := c.RunSwarm(context.Background(), tasks)
	if err != nil {
		t.Fatalf("RunSwarm() error: %v", err)
	}

	doomed := taskByTitle(t, c, "doomed")
	if doomed.Status != models.SwarmTaskFailed {
		t.Fatalf("doomed = %s, want failed", doomed.Status)
	}
	dep := taskByTitle(t, c, "dependent")
	if dep.Status != models.SwarmTaskFailed {
		t.Fatalf("dependent = %s, want failed", dep.Status)
	}
	if !strings.Contains(dep.Error, "doomed") {
		t.Errorf("dependent error = %q, want mention of failed dependency", dep.Error)
	}
}

func TestRunSwarm_CircuitBreakerDrainsQueue(t *testing.T) {
	repo := newFakeGit()
	cfg := swarmTestConfig()
	cfg.Swarm.MaxWorkers = 1 // serialize so the trip point is deterministic
	c := newTestCoordinator(cfg, repo, newFakeSwarmRuntime())

	tasks := []models.SwarmTask{
		{Title: "bad 1", Description: "FAIL"},
		{Title: "bad 2", Description: "FAIL"},
		{Title: "bad 3", Description: "FAIL"},
		{Title: "good 1"},
		{Title: "good 2"},
	}
	err := c.RunSwarm(context.Background(), tasks)
	if err == nil {
		t.Fatal("RunSwarm() returned nil after circuit breaker trip")
	}

	// 3 of 5 failed trips the >50% breaker; the rest were never dispatched.
	for _, title := range []string{"good 1", "good 2"} {
		task := taskByTitle(t, c, title)
		if task.Status != models.SwarmTaskPending {
			t.Errorf("%s = %s, want pending (never dispatched)", title, task.Status)
		}
	}
	c.mu.Lock()
	queued := len(c.queue)
	tripped := c.tripped
	c.mu.Unlock()
	if queued != 0 {
		t.Errorf("queue holds %d tasks after trip, want 0", queued)
	}
	if !tripped {
		t.Error("breaker not marked tripped")
	}
}

func TestRunSwarm_DependencyCascadeTripsBreaker(t *testing.T) {
	repo := newFakeGit()
	cfg := swarmTestConfig()
	cfg.Swarm.MaxWorkers = 1
	c := newTestCoordinator(cfg, repo, newFakeSwarmRuntime())

	// One induced failure plus two cascade failures crosses the >50% line
	// while the queue is still being drained of dependents.
	tasks := []models.SwarmTask{
		{Title: "doomed", Description: "FAIL"},
		{Title: "dep 1", DependsOn: []string{"doomed"}},
		{Title: "dep 2", DependsOn: []string{"doomed"}},
		{Title: "spared"},
	}
	err := c.RunSwarm(context.Background(), tasks)
	if err == nil {
		t.Fatal("RunSwarm() returned nil after circuit breaker trip")
	}

	// The breaker must trip on the cascade itself, before the next queued
	// task is dispatched.
	spared := taskByTitle(t, c, "spared")
	if spared.Status != models.SwarmTaskPending {
		t.Errorf("spared = %s, want pending (never dispatched)", spared.Status)
	}
	c.mu.Lock()
	tripped := c.tripped
	c.mu.Unlock()
	if !tripped {
		t.Error("breaker not marked tripped")
	}
}

func TestRunSwarm_MergeConflictFailsTaskAndAborts(t *testing.T) {
	repo := newFakeGit()
	repo.conflictTitles["clasher"] = true
	cfg := swarmTestConfig()
	cfg.Swarm.FailureThreshold = 1.0
	c := newTestCoordinator(cfg, repo, newFakeSwarmRuntime())

	tasks := []models.SwarmTask{
		{Title: "clasher"},
		{Title: "clean"},
	}
	if err := c.RunSwarm(context.Background(), tasks); err != nil {
		t.Fatalf("RunSwarm() error: %v", err)
	}

	clasher := taskByTitle(t, c, "clasher")
	if clasher.Status != models.SwarmTaskFailed {
		t.Fatalf("clasher = %s, want failed", clasher.Status)
	}
	if len(clasher.ConflictFiles) == 0 {
		t.Error("conflict files not recorded")
	}

	aborted := false
	for _, op := range repo.opLog() {
		if op == "merge --abort" {
			aborted = true
		}
	}
	if !aborted {
		t.Error("conflicting merge was not aborted")
	}

	// The worker stays available: the clean task still lands.
	clean := taskByTitle(t, c, "clean")
	if clean.Status != models.SwarmTaskMerged {
		t.Errorf("clean = %s, want merged", clean.Status)
	}
}

func TestRunSwarm_TaskTimeoutInterruptsSession(t *testing.T) {
	repo := newFakeGit()
	rt := newFakeSwarmRuntime()
	rt.neverComplete = true
	cfg := swarmTestConfig()
	cfg.Swarm.MaxWorkers = 1
	cfg.Swarm.FailureThreshold = 1.0
	cfg.Timeouts.SwarmTask = 20 * time.Millisecond
	c := newTestCoordinator(cfg, repo, rt)

	tasks := []models.SwarmTask{{Title: "hangs forever"}}
	if err := c.RunSwarm(context.Background(), tasks); err != nil {
		t.Fatalf("RunSwarm() error: %v", err)
	}

	task := taskByTitle(t, c, "hangs forever")
	if task.Status != models.SwarmTaskFailed {
		t.Fatalf("task = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "timed out") {
		t.Errorf("task error = %q, want timeout", task.Error)
	}
	if rt.interruptCount() == 0 {
		t.Error("timed-out session was never interrupted")
	}
}

func TestRunSwarm_RejectsUnknownDependency(t *testing.T) {
	c := newTestCoordinator(nil, newFakeGit(), newFakeSwarmRuntime())
	tasks := []models.SwarmTask{
		{Title: "a", DependsOn: []string{"missing"}},
	}
	if err := c.RunSwarm(context.Background(), tasks); err == nil {
		t.Fatal("RunSwarm() accepted a dangling dependency")
	}
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	content := `name: demo
tasks:
  - title: add parser
    description: write the parser
    test_command: go test ./parser/...
  - title: wire parser
    depends_on: [add parser]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tasks, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan() error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("LoadPlan() = %d tasks, want 2", len(tasks))
	}
	if tasks[0].TestCommand != "go test ./parser/..." {
		t.Errorf("test command = %q", tasks[0].TestCommand)
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "add parser" {
		t.Errorf("depends_on = %v", tasks[1].DependsOn)
	}
}

func TestLoadPlan_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"no tasks", "name: empty\ntasks: []\n"},
		{"missing title", "tasks:\n  - description: oops\n"},
		{"duplicate title", "tasks:\n  - title: x\n  - title: x\n"},
		{"dangling dependency", "tasks:\n  - title: x\n    depends_on: [y]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tc.name, " ", "-")+".yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadPlan(path); err == nil {
				t.Error("LoadPlan() accepted an invalid plan")
			}
		})
	}
}
