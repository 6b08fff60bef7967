package orchestrator

// State is a run's position in the lifecycle. States are persisted as
// strings in the ledger; the hypervisor is never the source of truth
// for them.
type State string

const (
	// StateCreated is a run row that exists but has no resources yet.
	StateCreated State = "CREATED"
	// StateProvisioning covers disk derivation, secret injection, and
	// domain definition.
	StateProvisioning State = "PROVISIONING"
	// StateRunning means the domain booted and the shutdown timer is
	// scheduled.
	StateRunning State = "RUNNING"
	// StateShutdownRequested means the graceful shutdown signal went
	// out but the grace window has not elapsed.
	StateShutdownRequested State = "SHUTDOWN_REQUESTED"
	// StateStopped means the run's window is over and cleanup is
	// scheduled.
	StateStopped State = "STOPPED"
	// StateCleanupPending means cleanup polling has begun.
	StateCleanupPending State = "CLEANUP_PENDING"
	// StateCleaned is the happy terminal state: domain gone, volume
	// wiped and deleted.
	StateCleaned State = "CLEANED"
	// StateFailed is the terminal state for provisioning or lifecycle
	// failures before cleanup.
	StateFailed State = "FAILED"
	// StateFailedCleanup is the terminal state for runs whose
	// resources could not be released; an operator must intervene.
	StateFailedCleanup State = "FAILED_CLEANUP"
)

// validNext enumerates the forward edges of the lifecycle. FAILED is
// reachable from any non-terminal state and is handled in
// CanTransition rather than listed per state.
var validNext = map[State][]State{
	StateCreated:           {StateProvisioning},
	StateProvisioning:      {StateRunning},
	StateRunning:           {StateShutdownRequested},
	StateShutdownRequested: {StateStopped},
	StateStopped:           {StateCleanupPending},
	StateCleanupPending:    {StateCleaned, StateFailedCleanup},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateFailed {
		return true
	}
	if to == StateFailedCleanup {
		// Cleanup can give up from either of its states.
		return from == StateStopped || from == StateCleanupPending
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(s State) bool {
	return s == StateCleaned || s == StateFailed || s == StateFailedCleanup
}
