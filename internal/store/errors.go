package store

import (
	"errors"

	"github.com/ralph-labs/ralphd/internal/classify"
)

// Sentinel errors for common store operations. Callers match with
// errors.Is; the classify.Kind on the wrapping *classify.Error decides how
// the caller reacts.
var (
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateGateRow reports a (run, gate) row that is already
	// initialized. No store operation returns it: EnsureRunGateRows leaves
	// existing rows untouched.
	ErrDuplicateGateRow = errors.New("store: gate row already initialized")

	// ErrTerminalGate is returned when a caller attempts to move a gate
	// result away from a terminal status (pass or fail).
	ErrTerminalGate = errors.New("store: gate result is already terminal")
)

// ErrForwardIncompatible is returned by Probe/Open when the schema version
// on disk is newer than this binary's maxSupportedSchema.
type ErrForwardIncompatible struct {
	SchemaVersion  int
	SupportedRange [2]int
	WritableRange  [2]int
}

func (e *ErrForwardIncompatible) Error() string {
	return "store: schema version is newer than this binary supports"
}

// Classify wraps err into a *classify.Error tagged ForwardIncompatible.
func (e *ErrForwardIncompatible) Classify() *classify.Error {
	return classify.New(classify.ForwardIncompatible, "forward_incompatible", e)
}
