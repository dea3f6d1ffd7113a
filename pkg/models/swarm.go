package models

import "time"

// SwarmTaskStatus represents the current state of a swarm task.
type SwarmTaskStatus string

const (
	// SwarmTaskPending indicates the task is queued.
	SwarmTaskPending SwarmTaskStatus = "pending"
	// SwarmTaskInProgress indicates a worker has claimed the task.
	SwarmTaskInProgress SwarmTaskStatus = "in_progress"
	// SwarmTaskMerging indicates the task's branch is being merged.
	SwarmTaskMerging SwarmTaskStatus = "merging"
	// SwarmTaskMerged indicates the task's work landed on the staging branch.
	SwarmTaskMerged SwarmTaskStatus = "merged"
	// SwarmTaskFailed indicates the task failed (execution, timeout or merge).
	SwarmTaskFailed SwarmTaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SwarmTaskStatus) Valid() bool {
	switch s {
	case SwarmTaskPending, SwarmTaskInProgress, SwarmTaskMerging,
		SwarmTaskMerged, SwarmTaskFailed:
		return true
	default:
		return false
	}
}

// SwarmTask is one entry in the flat task list used by swarm mode. It is a
// simpler entity than Agent/Phase, used only in the coarse execution mode.
type SwarmTask struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short task title. Dependencies refer to titles.
	Title string `json:"title" yaml:"title"`
	// Description details the work to do.
	Description string `json:"description,omitempty" yaml:"description"`
	// TestCommand verifies the task's work, run in the worker's worktree.
	TestCommand string `json:"test_command,omitempty" yaml:"test_command"`
	// DependsOn lists titles of tasks that must be merged first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// Status is the current state of the task.
	Status SwarmTaskStatus `json:"status"`
	// WorkerIndex is the worker the task is assigned to (-1 = unassigned).
	WorkerIndex int `json:"worker_index"`
	// Error is the failure message if the task failed.
	Error string `json:"error,omitempty"`
	// ConflictFiles lists conflicting paths when a merge failed.
	ConflictFiles []string `json:"conflict_files,omitempty"`
	// StartedAt is when a worker claimed the task.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the task reached merged or failed.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorktreeSetupContext describes one swarm run's git layout: the staging
// branch, the branch to return to, and the per-worker worktrees. Parallel
// slices: WorktreePaths[i] is checked out to WorkerBranches[i].
type WorktreeSetupContext struct {
	// StagingBranch receives each completed task's merge.
	StagingBranch string `json:"staging_branch"`
	// OriginalBranch is the branch the repository was on before setup.
	OriginalBranch string `json:"original_branch"`
	// ProjectRoot is the repository root path.
	ProjectRoot string `json:"project_root"`
	// WorktreePaths are the per-worker isolated working copies.
	WorktreePaths []string `json:"worktree_paths"`
	// WorkerBranches are the per-worker branches.
	WorkerBranches []string `json:"worker_branches"`
}
