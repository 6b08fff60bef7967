package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jbweber/bivouac/internal/faults"
	"github.com/jbweber/bivouac/internal/naming"
	"github.com/jbweber/bivouac/internal/scheduler"
)

// transientRetryDelay is how long a step waits before retrying after a
// transient infrastructure failure, such as the libvirt socket being
// briefly unavailable.
const transientRetryDelay = time.Minute

// RegisterHandlers installs the lifecycle step handlers on a
// dispatcher.
func (o *Orchestrator) RegisterHandlers(d *scheduler.Dispatcher) {
	d.Register(StepShutdown, o.HandleShutdown)
	d.Register(StepCleanup, o.HandleCleanup)
	d.OnDrop(o.handleDroppedStep)
}

// handleDroppedStep records a run whose lifecycle step the dispatcher
// abandoned after repeated handler failures. The run lands in a
// terminal failure state with the cause on its ledger row; its
// resources may still be allocated and need an operator.
func (o *Orchestrator) handleDroppedStep(step string, runID int64, cause error) {
	switch step {
	case StepCleanup:
		o.failCleanup(runID, fmt.Errorf("cleanup step abandoned: %w", cause))
	default:
		o.failRun(runID, fmt.Errorf("%s step abandoned: %w", step, cause))
	}
}

// HandleShutdown ends a run's execution window: request a graceful
// shutdown, stamp the end time, surface the run, and schedule cleanup
// after the grace window. The end time is the moment shutdown was
// requested, not when the guest finishes powering off. Redelivery is
// harmless: a second shutdown request against a stopped or missing
// domain is a no-op at the hypervisor, and a run already past RUNNING
// is skipped here.
func (o *Orchestrator) HandleShutdown(ctx context.Context, runID int64) (time.Duration, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return 0, fmt.Errorf("shutdown step: %w", err)
	}

	// A run already in SHUTDOWN_REQUESTED is a retry after a transient
	// failure and proceeds; anything else past RUNNING is a stale
	// redelivery and is skipped.
	switch State(run.State) {
	case StateRunning:
		if err := o.transition(run, StateShutdownRequested); err != nil {
			return 0, fmt.Errorf("shutdown step: %w", err)
		}
	case StateShutdownRequested:
	default:
		log.Printf("run %d: shutdown step delivered in state %s, skipping", runID, run.State)
		return 0, nil
	}

	log.Printf("run %d: requesting shutdown of domain %s", runID, run.UUID)
	if err := o.controller.RequestShutdown(ctx, naming.DomainName(run.UUID)); err != nil {
		if faults.Retryable(err) {
			log.Printf("run %d: shutdown request hit transient failure, retrying in %s: %v", runID, transientRetryDelay, err)
			return transientRetryDelay, nil
		}
		o.failRun(runID, fmt.Errorf("shutdown request failed: %w", err))
		return 0, nil
	}

	if err := o.store.MarkEnded(runID, o.now()); err != nil {
		return 0, fmt.Errorf("shutdown step: %w", err)
	}
	if err := o.store.SetVisible(runID, true); err != nil {
		return 0, fmt.Errorf("shutdown step: %w", err)
	}
	if err := o.transition(run, StateStopped); err != nil {
		return 0, fmt.Errorf("shutdown step: %w", err)
	}

	if _, err := o.tasks.ScheduleAfter(o.cfg.GraceWindow, StepCleanup, runID); err != nil {
		return 0, fmt.Errorf("shutdown step: failed to schedule cleanup: %w", err)
	}

	log.Printf("run %d: stopped, cleanup in %s", runID, o.cfg.GraceWindow)
	return 0, nil
}

// HandleCleanup releases a run's hypervisor resources once the domain
// has actually stopped. While the domain is still up the step requeues
// itself after the grace window, a fixed delay with no backoff, up to
// the configured attempt cap. A run whose resources cannot be released
// lands in FAILED_CLEANUP for an operator, never in a silent retry
// loop.
func (o *Orchestrator) HandleCleanup(ctx context.Context, runID int64) (time.Duration, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return 0, fmt.Errorf("cleanup step: %w", err)
	}

	if IsTerminal(State(run.State)) {
		log.Printf("run %d: cleanup step delivered in terminal state %s, skipping", runID, run.State)
		return 0, nil
	}

	if State(run.State) == StateStopped {
		if err := o.transition(run, StateCleanupPending); err != nil {
			return 0, fmt.Errorf("cleanup step: %w", err)
		}
	}

	active, err := o.controller.IsActive(ctx, naming.DomainName(run.UUID))
	if err != nil {
		if faults.Retryable(err) {
			log.Printf("run %d: liveness check hit transient failure, retrying in %s: %v", runID, transientRetryDelay, err)
			return transientRetryDelay, nil
		}
		o.failCleanup(runID, fmt.Errorf("liveness check failed: %w", err))
		return 0, nil
	}

	if active {
		attempts, err := o.store.IncrementCleanupAttempts(runID)
		if err != nil {
			return 0, fmt.Errorf("cleanup step: %w", err)
		}
		if attempts >= o.cfg.CleanupMaxAttempts {
			o.failCleanup(runID, fmt.Errorf("domain still active after %d cleanup polls", attempts))
			return 0, nil
		}
		log.Printf("run %d: domain still active, poll %d/%d, retrying in %s", runID, attempts, o.cfg.CleanupMaxAttempts, o.cfg.GraceWindow)
		return o.cfg.GraceWindow, nil
	}

	log.Printf("run %d: domain stopped, releasing resources", runID)
	if err := o.controller.Undefine(ctx, naming.DomainName(run.UUID)); err != nil {
		// The domain definition lingering is untidy but does not block
		// volume release; the volume is the resource that matters.
		log.Printf("run %d: failed to undefine domain: %v", runID, err)
	}

	if err := o.controller.DeleteVolume(ctx, naming.InstanceVolumeName(run.UUID)); err != nil {
		switch {
		case faults.IsKind(err, faults.KindNotFound):
			// Someone or something removed the volume out from under
			// us. Not retryable: escalate for an operator to audit.
			o.failCleanup(runID, fmt.Errorf("volume missing during cleanup: %w", err))
			return 0, nil
		case faults.Retryable(err):
			log.Printf("run %d: volume release hit transient failure, retrying in %s: %v", runID, transientRetryDelay, err)
			return transientRetryDelay, nil
		default:
			o.failCleanup(runID, fmt.Errorf("volume release failed: %w", err))
			return 0, nil
		}
	}

	if err := o.store.MarkInstanceStopped(runID); err != nil {
		log.Printf("run %d: failed to mark instance stopped: %v", runID, err)
	}
	if err := o.transition(run, StateCleaned); err != nil {
		return 0, fmt.Errorf("cleanup step: %w", err)
	}

	log.Printf("run %d: cleaned", runID)
	return 0, nil
}

// failCleanup records a terminal cleanup failure for operator
// attention.
func (o *Orchestrator) failCleanup(runID int64, cause error) {
	log.Printf("run %d: cleanup failed: %v", runID, cause)
	if err := o.store.SetFailure(runID, string(StateFailedCleanup), cause.Error()); err != nil {
		log.Printf("run %d: failed to record cleanup failure: %v", runID, err)
	}
}
