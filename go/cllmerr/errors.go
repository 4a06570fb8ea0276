// Package cllmerr defines the typed error kinds the training core can
// surface, modeled on an RFC7807-flavored problem type: a small enum
// plus a wrapped cause, nothing fancier.
package cllmerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Unknown is the zero value; Error values constructed via New always
	// set a real kind, so seeing Unknown means a bug in this package.
	Unknown Kind = iota
	// MalformedInput covers corrupt batches, malformed token streams, and
	// invalid model headers. Fatal to the current operation.
	MalformedInput
	// OutOfMemory covers allocation failure for scratch, gradients, or
	// queue storage at startup. Fatal to system construction.
	OutOfMemory
	// NumericAnomaly covers NaN/Inf detected in a worker's gradient
	// segment during reduction. Recoverable: the segment is dropped.
	NumericAnomaly
	// DivergenceDetected fires after three consecutive reductions where
	// every segment was dropped. The coordinator stops the epoch.
	DivergenceDetected
	// InvariantViolation covers structural breaks: a worker writing
	// outside its segment, queue counters gone inconsistent, etc. Fatal;
	// callers should treat this as a process-level abort.
	InvariantViolation
	// Interrupted means running=false was observed; not a real error at
	// the API boundary, but modeled as one so callers can use a single
	// error-handling path.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case OutOfMemory:
		return "out_of_memory"
	case NumericAnomaly:
		return "numeric_anomaly"
	case DivergenceDetected:
		return "divergence_detected"
	case InvariantViolation:
		return "invariant_violation"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries in
// this module. It always carries a Kind and, usually, an underlying cause.
type Error struct {
	Kind    Kind
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error that wraps cause. If cause is nil, Wrap
// returns nil so callers can write `return cllmerr.Wrap(Kind, "...", err)`
// unconditionally.
func Wrap(kind Kind, detail string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
