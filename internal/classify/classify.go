// Package classify defines the error taxonomy shared by every subsystem.
//
// Errors that cross a subsystem boundary are tagged with a Kind so the
// worker, CLI, and durable store can decide whether to retry, escalate, or
// refuse without string-matching error messages.
package classify

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories from the error handling
// design. It is never extended ad hoc; new failure modes map onto one of
// these.
type Kind string

const (
	// Transient covers timeouts, secondary rate limits, and 5xx responses.
	// The caller retries with backoff within the same operation.
	Transient Kind = "transient"

	// Auth is fatal to the operation and is escalated rather than retried.
	Auth Kind = "auth"

	// Validation covers bad input or a schema mismatch; fatal to the
	// operation, surfaced to the caller verbatim.
	Validation Kind = "validation"

	// ForwardIncompatible means the durable store schema is newer than this
	// binary supports. Fatal to the process; exit code 2.
	ForwardIncompatible Kind = "forward_incompatible"

	// Conflict means another healthy daemon already owns the control root.
	// Fatal to startup; exit code 2.
	Conflict Kind = "conflict"

	// Safety covers invariant violations that must never be retried:
	// worktree equals repo root, an unsafe session id, and similar.
	Safety Kind = "safety"
)

// Error wraps an underlying error with a Kind and a stable machine-readable
// code consumed by CLI JSON output.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Of extracts the Kind of err, defaulting to Transient when err carries no
// classification. A nil err has no Kind and Of returns "" with ok=false.
func Of(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return Transient, false
}

// ExitCode maps a Kind to the process exit code the CLI surface uses.
// Only ForwardIncompatible and Conflict have a dedicated non-zero code;
// every other kind surfaces through the normal error-reporting path (exit 1).
func ExitCode(k Kind) int {
	switch k {
	case ForwardIncompatible, Conflict:
		return 2
	default:
		return 1
	}
}

// Retryable reports whether an error of this Kind may be retried by the
// caller within the same operation.
func Retryable(k Kind) bool {
	return k == Transient
}
