package core

import (
	"errors"
	"fmt"
)

// InvalidFilterError reports a malformed or incompatible filter clause.
type InvalidFilterError struct {
	Column   string
	Operator string
	Reason   string
}

func (e *InvalidFilterError) Error() string {
	if e.Operator == "" {
		return fmt.Sprintf("invalid filter on column %q: %s", e.Column, e.Reason)
	}
	return fmt.Sprintf("invalid filter on column %q (%s): %s", e.Column, e.Operator, e.Reason)
}

// UnknownDisplayError is returned when a display id has no registry entry.
type UnknownDisplayError struct {
	DisplayID string
}

func (e *UnknownDisplayError) Error() string {
	return fmt.Sprintf("unknown display id %q", e.DisplayID)
}

// StorageError wraps an I/O or capacity failure in the table store.
// Storage errors are always retryable.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Retryable() bool { return true }

// NewStorageError returns nil when err is nil.
func NewStorageError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Table: table, Err: err}
}

// TypeRestoreWarning describes a column that could not be cast back to its
// recorded type. It is reported, never returned as an error.
type TypeRestoreWarning struct {
	Column string
	From   string
	To     string
	Reason string
}

func (w TypeRestoreWarning) String() string {
	return fmt.Sprintf("column %q left as %s, could not restore %s: %s", w.Column, w.From, w.To, w.Reason)
}

func IsInvalidFilter(err error) bool {
	var e *InvalidFilterError
	return errors.As(err, &e)
}

func IsUnknownDisplay(err error) bool {
	var e *UnknownDisplayError
	return errors.As(err, &e)
}

func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}
