// Package faults classifies errors crossing the hypervisor and disk
// provisioning boundaries so the orchestrator can decide between
// requeueing a step and failing a run.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure by how the orchestrator should react to it.
type Kind string

const (
	// KindTransientInfra covers temporary infrastructure problems such as
	// an unreachable libvirt daemon or a pool that is not active yet.
	// These are safe to retry through the scheduler.
	KindTransientInfra Kind = "TransientInfra"

	// KindResourceConflict covers duplicate volume or domain names and
	// pool creation races. Never retried and never overwritten.
	KindResourceConflict Kind = "ResourceConflict"

	// KindGuestProvisioning covers disk mount and file injection failures.
	// The guest disk may be in an inconsistent state, so the run must be
	// failed rather than retried.
	KindGuestProvisioning Kind = "GuestProvisioning"

	// KindNotFound covers missing pools, volumes, or domains discovered
	// during cleanup. Escalated to an operator, not retried.
	KindNotFound Kind = "NotFound"
)

// Error pairs a failure kind with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the name of the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err. Unclassified errors report an
// empty kind, which callers treat as non-retryable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the orchestrator may requeue the step that
// produced err. Only transient infrastructure failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientInfra
}
