// Package fault defines the closed error taxonomy of the sync engine.
// Components classify failures into one of five kinds and callers branch on
// the kind with errors.As, never on error text.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes.
type Kind string

const (
	// Transient covers network and timeout failures. Retried with bounded
	// exponential backoff.
	Transient Kind = "transient"

	// Rejection means the exchange refused the request. Terminal, no retry.
	Rejection Kind = "rejection"

	// Divergence means local and remote state disagree. Resolved by
	// reconciliation, remote wins for execution facts.
	Divergence Kind = "divergence"

	// Integrity means an order vanished from both local and remote
	// knowledge, or a terminal order received a conflicting mutation.
	// Never auto-resolved, always surfaced for operator review.
	Integrity Kind = "integrity"

	// Channel means an inter-process request went unanswered within its
	// bound. Safe to retry because corrective actions are idempotent.
	Channel Kind = "channel"
)

// Fault wraps an underlying error with its kind and the operation that
// produced it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s fault", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s fault: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New builds a fault of the given kind.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Errorf builds a fault from a formatted message with no wrapped cause.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, or the empty string when err carries
// no fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	return kind != "" && KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Is(err, Transient)
}
