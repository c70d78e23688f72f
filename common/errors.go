package common

import (
	"fmt"
)

// ErrInvalidOperation is returned when an operation targets something that
// does not exist or carries an out-of-range position.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrCausalityViolation is returned in strict mode when an operation's
// vector-clock dependencies have not been applied locally yet.
type ErrCausalityViolation struct {
	OpID    OperationID
	Message string
}

func (e ErrCausalityViolation) Error() string {
	return fmt.Sprintf("causality violation for operation %s: %s", e.OpID, e.Message)
}

// ErrCycleDetected is returned when a tree move would make a node its own
// ancestor.
type ErrCycleDetected struct {
	Node      string
	NewParent string
}

func (e ErrCycleDetected) Error() string {
	return fmt.Sprintf("cycle detected: cannot move %s under its descendant %s", e.Node, e.NewParent)
}

// ErrMergeError is returned when two replicas with different document
// identities are merged.
type ErrMergeError struct {
	LocalID string
	OtherID string
}

func (e ErrMergeError) Error() string {
	return fmt.Sprintf("merge error: document id mismatch: %s != %s", e.LocalID, e.OtherID)
}

// ErrOutOfBounds is returned when a text position or range falls outside the
// current visible content of a field.
type ErrOutOfBounds struct {
	Field  string
	Pos    int
	Length int
}

func (e ErrOutOfBounds) Error() string {
	return fmt.Sprintf("position %d out of bounds for field %q (length %d)", e.Pos, e.Field, e.Length)
}

// ErrFieldNotFound is returned when a text operation targets a field that
// was never initialized.
type ErrFieldNotFound struct {
	Field string
}

func (e ErrFieldNotFound) Error() string {
	return fmt.Sprintf("field not found: %s", e.Field)
}

// ErrNodeNotFound is returned when a tree operation targets an unknown node.
type ErrNodeNotFound struct {
	Node string
}

func (e ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node not found: %s", e.Node)
}

// ErrInternal indicates a broken internal invariant, e.g. a corrupted
// operation log. It always points at a bug in the engine, never at caller
// input.
type ErrInternal struct {
	Message string
}

func (e ErrInternal) Error() string {
	return fmt.Sprintf("internal invariant violation: %s", e.Message)
}
