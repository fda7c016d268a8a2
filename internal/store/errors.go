package store

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a write-path precondition on a record that does not
// exist. Read paths surface absence as an empty result instead.
var ErrNotFound = errors.New("not found")

// SchemaError reports a database whose schema version cannot be reconciled,
// typically because it was written by a newer build. Data from a newer reader
// is never silently dropped; callers decide whether to reset the cache.
type SchemaError struct {
	Found     int
	Supported int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unsupported schema version %d (supported up to %d): cache reset required", e.Found, e.Supported)
}

// StoreError wraps a transient persistence failure. Callers may retry or
// surface it to the user; it is never fatal to the host application.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CycleError reports a session upsert that would make a session its own
// ancestor. The write is rejected and the store left unchanged.
type CycleError struct {
	SessionID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("session %s would become its own ancestor", e.SessionID)
}

// InvalidStateError reports a stream tracker contract violation, e.g. marking
// a stream active for a message that is not in streaming status.
type InvalidStateError struct {
	SessionID string
	MessageID string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid stream state for %s/%s: %s", e.SessionID, e.MessageID, e.Reason)
}

// IsSchemaError reports whether err is a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsCycleError reports whether err is a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ie *InvalidStateError
	return errors.As(err, &ie)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
