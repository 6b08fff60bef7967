package scheduler

import (
	"context"
	"log"
	"time"
)

// Handler runs one lifecycle step for a run. Returning a positive
// requeue duration asks the dispatcher to fire the same task again
// after that long; returning zero completes it. A returned error keeps
// the task pending: the dispatcher redelivers it after a delay until
// it succeeds or the task's failure budget runs out.
type Handler func(ctx context.Context, runID int64) (requeue time.Duration, err error)

// DropHandler is told when a task is abandoned because its handler
// kept erroring, so the owner can record the failure on the run
// instead of losing the step to a log line.
type DropHandler func(step string, runID int64, cause error)

// failureRetryDelay is how long a task waits before redelivery after
// its handler returned an error.
const failureRetryDelay = time.Minute

// maxTaskFailures is how many handler errors a task survives before
// the dispatcher abandons it.
const maxTaskFailures = 5

// Dispatcher polls the queue and invokes registered handlers. Tasks
// are processed one at a time in fire order, which serializes the
// steps of any single run.
type Dispatcher struct {
	queue    *Queue
	handlers map[string]Handler
	onDrop   DropHandler
	interval time.Duration
	stopChan chan struct{}

	// retryDelay is the redelivery delay after a handler error.
	// Overridden in tests.
	retryDelay time.Duration
}

// NewDispatcher creates a dispatcher polling the queue every interval.
func NewDispatcher(queue *Queue, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		handlers:   make(map[string]Handler),
		interval:   interval,
		stopChan:   make(chan struct{}),
		retryDelay: failureRetryDelay,
	}
}

// Register installs the handler for a step. Must be called before
// Start.
func (d *Dispatcher) Register(step string, handler Handler) {
	d.handlers[step] = handler
}

// OnDrop installs the callback invoked when a task is abandoned after
// exhausting its failure budget. Must be called before Start.
func (d *Dispatcher) OnDrop(fn DropHandler) {
	d.onDrop = fn
}

// Start begins the dispatch loop and blocks until Stop is called or
// ctx is cancelled. Tasks pending from before a restart are picked up
// by the first tick like any other due task.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("task dispatcher started, polling every %s", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Run a tick immediately so pending work is not delayed by one
	// interval after startup.
	d.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.stopChan:
			log.Printf("task dispatcher stopped")
			return
		case <-ctx.Done():
			log.Printf("task dispatcher stopped: %v", ctx.Err())
			return
		}
	}
}

// Stop gracefully stops the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
}

// Tick processes every currently due task once.
func (d *Dispatcher) Tick(ctx context.Context) {
	due, err := d.queue.Due(time.Now())
	if err != nil {
		log.Printf("failed to poll task queue: %v", err)
		return
	}

	for _, task := range due {
		d.dispatch(ctx, task)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, task *Task) {
	handler, ok := d.handlers[task.Step]
	if !ok {
		// A task whose step nobody handles would otherwise fire on
		// every tick forever.
		log.Printf("task %d: no handler registered for step %q, completing", task.ID, task.Step)
		if err := d.queue.Complete(task.ID); err != nil {
			log.Printf("task %d: %v", task.ID, err)
		}
		return
	}

	requeue, err := handler(ctx, task.RunID)
	if err != nil {
		// Keep the task pending so a transient failure (the ledger
		// briefly locked, say) never silently drops a lifecycle step.
		if task.Failures+1 < maxTaskFailures {
			log.Printf("task %d (%s, run %d): handler failed, redelivering in %s: %v",
				task.ID, task.Step, task.RunID, d.retryDelay, err)
			if rqErr := d.queue.RequeueFailure(task.ID, d.retryDelay); rqErr != nil {
				log.Printf("task %d: %v", task.ID, rqErr)
			}
			return
		}

		log.Printf("task %d (%s, run %d): handler failed %d times, abandoning: %v",
			task.ID, task.Step, task.RunID, task.Failures+1, err)
		if d.onDrop != nil {
			d.onDrop(task.Step, task.RunID, err)
		}
		if err := d.queue.Complete(task.ID); err != nil {
			log.Printf("task %d: %v", task.ID, err)
		}
		return
	}

	if requeue > 0 {
		if err := d.queue.Requeue(task.ID, requeue); err != nil {
			log.Printf("task %d: %v", task.ID, err)
		}
		return
	}

	if err := d.queue.Complete(task.ID); err != nil {
		log.Printf("task %d: %v", task.ID, err)
	}
}
