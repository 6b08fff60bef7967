package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := NewQueue(db)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q
}

func TestScheduleAfterAndDue(t *testing.T) {
	q := newTestQueue(t)

	past, err := q.ScheduleAfter(-time.Minute, "shutdown", 1)
	if err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if _, err := q.ScheduleAfter(time.Hour, "cleanup", 2); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	due, err := q.Due(time.Now())
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due() returned %d tasks, want 1", len(due))
	}
	if due[0].ID != past.ID || due[0].Step != "shutdown" || due[0].RunID != 1 {
		t.Errorf("Due()[0] = %+v", due[0])
	}
}

func TestScheduleAfterRequiresStep(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.ScheduleAfter(time.Minute, "", 1); err == nil {
		t.Error("ScheduleAfter() accepted an empty step")
	}
}

func TestDueOrdersByFireTime(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.ScheduleAfter(-time.Minute, "second", 1); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if _, err := q.ScheduleAfter(-time.Hour, "first", 2); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	due, err := q.Due(time.Now())
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() returned %d tasks, want 2", len(due))
	}
	if due[0].Step != "first" || due[1].Step != "second" {
		t.Errorf("due order = %s, %s; want first, second", due[0].Step, due[1].Step)
	}
}

func TestCompleteRemovesFromPending(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.ScheduleAfter(-time.Minute, "shutdown", 1)
	if err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if err := q.Complete(task.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() returned %d tasks after completion, want 0", len(pending))
	}
}

func TestRequeuePushesFireTimeOut(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.ScheduleAfter(-time.Minute, "cleanup", 1)
	if err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if err := q.Requeue(task.ID, time.Hour); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	due, err := q.Due(time.Now())
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 0 {
		t.Error("requeued task is still due")
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending() returned %d tasks, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	q, err := NewQueue(db)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	if _, err := q.ScheduleAfter(time.Hour, "cleanup", 7); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	db, err = sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err = NewQueue(db)
	if err != nil {
		t.Fatalf("NewQueue() after reopen error = %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Step != "cleanup" || pending[0].RunID != 7 {
		t.Errorf("pending after reopen = %+v", pending)
	}
}

func TestDispatcherInvokesHandlerAndCompletes(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(q, time.Minute)

	var gotRunID int64
	calls := 0
	d.Register("shutdown", func(ctx context.Context, runID int64) (time.Duration, error) {
		calls++
		gotRunID = runID
		return 0, nil
	})

	if _, err := q.ScheduleAfter(-time.Second, "shutdown", 42); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	d.Tick(context.Background())

	if calls != 1 || gotRunID != 42 {
		t.Errorf("handler calls = %d (run %d), want 1 call for run 42", calls, gotRunID)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Error("task still pending after successful handling")
	}

	// Nothing left; another tick must not re-invoke.
	d.Tick(context.Background())
	if calls != 1 {
		t.Errorf("handler re-invoked after completion, calls = %d", calls)
	}
}

func TestDispatcherHonorsRequeue(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(q, time.Minute)

	calls := 0
	d.Register("cleanup", func(ctx context.Context, runID int64) (time.Duration, error) {
		calls++
		if calls < 3 {
			// Still busy: come back immediately on the next poll.
			return time.Nanosecond, nil
		}
		return 0, nil
	})

	if _, err := q.ScheduleAfter(-time.Second, "cleanup", 1); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		d.Tick(context.Background())
	}

	if calls != 3 {
		t.Errorf("handler calls = %d, want 3 (two requeues then completion)", calls)
	}
}

func TestRequeueFailureCountsSeparately(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.ScheduleAfter(-time.Minute, "cleanup", 1)
	if err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if err := q.Requeue(task.ID, -time.Second); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if err := q.RequeueFailure(task.ID, -time.Second); err != nil {
		t.Fatalf("RequeueFailure() error = %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending() returned %d tasks, want 1", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].Failures != 1 {
		t.Errorf("attempts = %d, failures = %d, want 1 and 1",
			pending[0].Attempts, pending[0].Failures)
	}
}

func TestDispatcherRedeliversOnHandlerError(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(q, time.Minute)
	d.retryDelay = -time.Second

	calls := 0
	d.Register("shutdown", func(ctx context.Context, runID int64) (time.Duration, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return 0, nil
	})

	if _, err := q.ScheduleAfter(-time.Second, "shutdown", 1); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	d.Tick(context.Background())

	// A handler error must leave the task pending, not complete it.
	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending tasks after error = %d, want 1", len(pending))
	}
	if pending[0].Failures != 1 {
		t.Errorf("failures = %d, want 1", pending[0].Failures)
	}

	d.Tick(context.Background())
	d.Tick(context.Background())

	if calls != 3 {
		t.Errorf("handler calls = %d, want 3 (two errors then success)", calls)
	}

	pending, err = q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Error("task still pending after the handler succeeded")
	}
}

func TestDispatcherAbandonsAfterRepeatedFailures(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(q, time.Minute)
	d.retryDelay = -time.Second

	var droppedStep string
	var droppedRun int64
	var droppedCause error
	d.OnDrop(func(step string, runID int64, cause error) {
		droppedStep = step
		droppedRun = runID
		droppedCause = cause
	})

	calls := 0
	d.Register("cleanup", func(ctx context.Context, runID int64) (time.Duration, error) {
		calls++
		return 0, errors.New("database is locked")
	})

	if _, err := q.ScheduleAfter(-time.Second, "cleanup", 7); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	for i := 0; i < maxTaskFailures+2; i++ {
		d.Tick(context.Background())
	}

	if calls != maxTaskFailures {
		t.Errorf("handler calls = %d, want %d", calls, maxTaskFailures)
	}
	if droppedStep != "cleanup" || droppedRun != 7 {
		t.Errorf("dropped step = %q run %d, want cleanup run 7", droppedStep, droppedRun)
	}
	if droppedCause == nil {
		t.Error("drop callback got no cause")
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Error("abandoned task left pending; it would fire forever")
	}
}

func TestDispatcherCompletesUnknownStep(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(q, time.Minute)

	if _, err := q.ScheduleAfter(-time.Second, "no-such-step", 1); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	d.Tick(context.Background())

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Error("unhandled task left pending; it would fire on every tick")
	}
}
