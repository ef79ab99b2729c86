package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an insert would violate a natural-key uniqueness rule
	ErrConflict = errors.New("natural key conflict")
	// ErrNotFound is returned when an operation references a nonexistent listing id
	ErrNotFound = errors.New("listing not found")
	// ErrSelfReference is returned when a listing is linked to itself
	ErrSelfReference = errors.New("listing cannot reference itself")
	// ErrInvalidState is returned for lifecycle transitions the store refuses,
	// e.g. re-activating a merged listing
	ErrInvalidState = errors.New("invalid lifecycle transition")
	// ErrStoreUnavailable wraps failures of the persistence layer itself
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Conflict reasons
const (
	ConflictProviderExternalID = "provider_external_id"
	ConflictURL                = "url"
	ConflictConstraint         = "unique_constraint"
)

// ConflictError carries which natural key collided and, when known, the id
// of the listing already holding it.
type ConflictError struct {
	Reason     string
	ExistingID int64
}

func (e *ConflictError) Error() string {
	if e.ExistingID > 0 {
		return fmt.Sprintf("%v: %s held by listing %d", ErrConflict, e.Reason, e.ExistingID)
	}
	return fmt.Sprintf("%v: %s", ErrConflict, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
