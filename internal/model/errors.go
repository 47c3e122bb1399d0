package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a desired-state object does not exist.
var ErrNotFound = errors.New("object not found")

// ConflictError rejects a proposed object before any external effect.
// It is always safe to retry after fixing the request.
type ConflictError struct {
	Kind   Kind
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("validation conflict: %s/%s: %s", e.Kind, e.Key, e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(kind Kind, key, format string, args ...any) error {
	return &ConflictError{Kind: kind, Key: key, Reason: fmt.Sprintf(format, args...)}
}

// InterfaceNotFoundError means a referenced kernel link does not exist
// (or vanished between enumeration and use).
type InterfaceNotFoundError struct {
	Name string
}

func (e *InterfaceNotFoundError) Error() string {
	return fmt.Sprintf("interface not found: %s", e.Name)
}

// DependencyError blocks a destroy while live objects still reference the
// target. Deletion never cascades; the caller must remove dependents first.
type DependencyError struct {
	Kind       Kind
	Key        string
	Dependents []string // "kind:key" entries
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("cannot remove %s/%s: still referenced by [%s]",
		e.Kind, e.Key, strings.Join(e.Dependents, ", "))
}

// DriverError reports a failed external operation. The driver has already
// rolled the system back to its pre-apply state when this is returned.
type DriverError struct {
	Kind  Kind
	Key   string
	Step  string
	Cause error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver failure on %s/%s during %s: %v", e.Kind, e.Key, e.Step, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// RollbackError means an activation failed AND the rollback could not fully
// restore the previous state. Desired and actual state have drifted; this
// must reach the operator, not just the request log.
type RollbackError struct {
	Kind    Kind
	Key     string
	Failure error // the activation error that triggered the rollback
	Cause   error // the rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("ROLLBACK FAILED on %s/%s: %v (after activation error: %v) - system state has drifted",
		e.Kind, e.Key, e.Cause, e.Failure)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// StoreError is a persistence failure. An object is never reported Applied
// unless its store write succeeded.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state store %s failed: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
