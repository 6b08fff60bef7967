// Package scheduler provides durable delayed task execution. Tasks
// live in the same sqlite database as the run ledger, so a process
// restart never loses a pending shutdown or cleanup; there are no
// in-memory timers to reconstruct.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is one pending lifecycle step for a run. Attempts counts
// ordinary requeues asked for by a handler; Failures counts handler
// errors, so a step that legitimately polls many times does not eat
// into its failure budget.
type Task struct {
	ID          int64
	Step        string
	RunID       int64
	FireAt      time.Time
	Attempts    int
	Failures    int
	CompletedAt *time.Time
}

// Queue is the persistent task queue.
type Queue struct {
	db *sql.DB
}

// NewQueue initializes the task queue over an open database handle.
func NewQueue(db *sql.DB) (*Queue, error) {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			fire_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_fire_at ON tasks(fire_at) WHERE completed_at IS NULL`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return nil, fmt.Errorf("failed to initialize task schema: %w", err)
		}
	}
	return &Queue{db: db}, nil
}

// ScheduleAfter enqueues a step for a run, due no earlier than delay
// from now. Delivery is at-least-once: a crash between a task firing
// and completing means it fires again, so every handler must tolerate
// redelivery.
func (q *Queue) ScheduleAfter(delay time.Duration, step string, runID int64) (*Task, error) {
	if step == "" {
		return nil, fmt.Errorf("task step is required")
	}

	fireAt := time.Now().UTC().Add(delay)
	result, err := q.db.Exec(
		"INSERT INTO tasks (step, run_id, fire_at) VALUES (?, ?, ?)",
		step, runID, fireAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule %s for run %d: %w", step, runID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get task ID: %w", err)
	}

	return &Task{ID: id, Step: step, RunID: runID, FireAt: fireAt}, nil
}

// Due returns incomplete tasks whose fire time has passed, oldest
// first.
func (q *Queue) Due(now time.Time) ([]*Task, error) {
	rows, err := q.db.Query(
		`SELECT id, step, run_id, fire_at, attempts, failures, completed_at
		 FROM tasks
		 WHERE completed_at IS NULL AND fire_at <= ?
		 ORDER BY fire_at, id`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Pending returns all incomplete tasks regardless of fire time.
func (q *Queue) Pending() ([]*Task, error) {
	rows, err := q.db.Query(
		`SELECT id, step, run_id, fire_at, attempts, failures, completed_at
		 FROM tasks
		 WHERE completed_at IS NULL
		 ORDER BY fire_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Complete marks a task done. Done tasks stay in the table as history.
func (q *Queue) Complete(taskID int64) error {
	if _, err := q.db.Exec(
		"UPDATE tasks SET completed_at = ? WHERE id = ?",
		time.Now().UTC(), taskID,
	); err != nil {
		return fmt.Errorf("failed to complete task %d: %w", taskID, err)
	}
	return nil
}

// Requeue pushes a task's fire time out by delay and counts the
// attempt.
func (q *Queue) Requeue(taskID int64, delay time.Duration) error {
	if _, err := q.db.Exec(
		"UPDATE tasks SET fire_at = ?, attempts = attempts + 1 WHERE id = ?",
		time.Now().UTC().Add(delay), taskID,
	); err != nil {
		return fmt.Errorf("failed to requeue task %d: %w", taskID, err)
	}
	return nil
}

// RequeueFailure pushes a task's fire time out by delay after a
// handler error and counts the failure. Failures are tracked apart
// from attempts so the dispatcher can give up on a task whose handler
// keeps erroring.
func (q *Queue) RequeueFailure(taskID int64, delay time.Duration) error {
	if _, err := q.db.Exec(
		"UPDATE tasks SET fire_at = ?, failures = failures + 1 WHERE id = ?",
		time.Now().UTC().Add(delay), taskID,
	); err != nil {
		return fmt.Errorf("failed to requeue failed task %d: %w", taskID, err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var t Task
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Step, &t.RunID, &t.FireAt, &t.Attempts, &t.Failures, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
