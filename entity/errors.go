package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the entity is absent from the record store.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("version conflict")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable is matched by every *StoreUnavailableError.
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// ConflictError reports an optimistic version mismatch on update or delete,
// or a create against an identifier that is already live.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("conflict on %s: entity already exists at version %d", e.ID, e.Actual)
	}
	return fmt.Sprintf("conflict on %s: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ValidationError wraps the field errors found before any store was touched.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StoreUnavailableError wraps a transient record store failure. The mutation did not happen.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unavailable wraps err as a StoreUnavailableError unless it already belongs to the taxonomy.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// SyncStage names the derived store a deferred write was aimed at.
type SyncStage string

const (
	StageCache SyncStage = "cache"
	StageIndex SyncStage = "index"
)

// SyncDeferred describes a cache or index write that could not complete synchronously.
// It is logged and healed in the background; it is never returned to callers.
type SyncDeferred struct {
	Stage   SyncStage
	ID      string
	Version int64
	Err     error
}

func (e *SyncDeferred) Error() string {
	return fmt.Sprintf("%s sync deferred for %s@%d: %v", e.Stage, e.ID, e.Version, e.Err)
}

func (e *SyncDeferred) Unwrap() error {
	return e.Err
}
