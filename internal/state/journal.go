package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ecrain/phalanx/internal/lifecycle"
	"github.com/ecrain/phalanx/pkg/models"
)

// Transition is one recorded state-machine edge.
type Transition struct {
	// ID is the journal sequence number.
	ID int64
	// EntityKind is "agent", "phase" or "workflow".
	EntityKind string
	// EntityID is the affected entity.
	EntityID string
	// From is the prior status.
	From string
	// To is the new status.
	To string
	// Detail carries optional context, e.g. an error code.
	Detail string
	// RecordedAt is when the transition was journaled.
	RecordedAt time.Time
}

// Journal records every guarded state transition. It satisfies the
// lifecycle manager's and orchestrator's Recorder dependency. Writes are
// best-effort: a journal failure is logged, never propagated into the
// control loop.
type Journal struct {
	db *DB
}

// NewJournal creates a journal over an open database.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

// Verify Journal satisfies the lifecycle Recorder at compile time.
var _ lifecycle.Recorder = (*Journal)(nil)

// RecordTransition journals one transition. Failures are logged and
// swallowed.
func (j *Journal) RecordTransition(kind, id, from, to, detail string) {
	j.db.mu.Lock()
	defer j.db.mu.Unlock()

	_, err := j.db.conn.Exec(
		`INSERT INTO transitions (entity_kind, entity_id, from_status, to_status, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		kind, id, from, to, detail, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		log.Printf("[state] record transition %s %s %s->%s: %v", kind, id, from, to, err)
	}
}

// Transitions returns every journaled transition for one entity, oldest
// first.
func (j *Journal) Transitions(kind, id string) ([]Transition, error) {
	j.db.mu.RLock()
	defer j.db.mu.RUnlock()

	rows, err := j.db.conn.Query(
		`SELECT id, entity_kind, entity_id, from_status, to_status, COALESCE(detail, ''), recorded_at
		 FROM transitions WHERE entity_kind = ? AND entity_id = ? ORDER BY id`,
		kind, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// RecentTransitions returns the most recent transitions across all
// entities, newest first.
func (j *Journal) RecentTransitions(limit int) ([]Transition, error) {
	j.db.mu.RLock()
	defer j.db.mu.RUnlock()

	rows, err := j.db.conn.Query(
		`SELECT id, entity_kind, entity_id, from_status, to_status, COALESCE(detail, ''), recorded_at
		 FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var t Transition
		var recordedAt string
		if err := rows.Scan(&t.ID, &t.EntityKind, &t.EntityID, &t.From, &t.To, &t.Detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveWorkflow persists a workflow snapshot for recovery. The latest
// snapshot per workflow id wins.
func (j *Journal) SaveWorkflow(wf *models.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	j.db.mu.Lock()
	defer j.db.mu.Unlock()
	_, err = j.db.conn.Exec(
		`INSERT INTO workflow_snapshots (workflow_id, snapshot, saved_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		wf.ID, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save workflow snapshot: %w", err)
	}
	return nil
}

// LoadWorkflow restores the snapshot for a workflow id, or (nil, nil) if
// none exists.
func (j *Journal) LoadWorkflow(id string) (*models.Workflow, error) {
	j.db.mu.RLock()
	defer j.db.mu.RUnlock()

	var data string
	row := j.db.conn.QueryRow("SELECT snapshot FROM workflow_snapshots WHERE workflow_id = ?", id)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load workflow snapshot: %w", err)
	}

	var wf models.Workflow
	if err := json.Unmarshal([]byte(data), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow snapshot: %w", err)
	}
	return &wf, nil
}

// LatestWorkflow restores the most recently saved snapshot, or (nil, nil)
// if the journal holds none.
func (j *Journal) LatestWorkflow() (*models.Workflow, error) {
	j.db.mu.RLock()
	defer j.db.mu.RUnlock()

	var data string
	row := j.db.conn.QueryRow("SELECT snapshot FROM workflow_snapshots ORDER BY saved_at DESC, workflow_id DESC LIMIT 1")
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest workflow snapshot: %w", err)
	}

	var wf models.Workflow
	if err := json.Unmarshal([]byte(data), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow snapshot: %w", err)
	}
	return &wf, nil
}
