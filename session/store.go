package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no live record exists for an ID.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict is returned when a record cannot be created or updated
	// because of a concurrent writer.
	ErrConflict = errors.New("session: conflict")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("session: store unavailable")
)

// UpdateFunc mutates a record in place. It runs while the store holds the
// record for an atomic read-modify-write, so it must be pure: no I/O, no
// blocking. Returning an error aborts the update without writing.
// It may be invoked more than once if the store retries.
type UpdateFunc func(rec *Record) error

// Store maps session IDs to records.
//
// Implementations must be safe for concurrent use, and Update must be atomic
// with respect to the single record it touches. Expired records are reported
// as ErrNotFound.
type Store interface {
	// Get returns a copy of the live record for id.
	Get(ctx context.Context, id string) (*Record, error)
	// Create stores a new record. It returns ErrConflict if the ID is taken.
	Create(ctx context.Context, rec *Record) error
	// Update applies fn to the record for id atomically and returns the
	// stored result.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Record, error)
	// Destroy removes the record. Destroying a missing record is not an error.
	Destroy(ctx context.Context, id string) error
}

// applyUpdate runs fn against rec and re-checks the invariants fn must keep.
func applyUpdate(rec *Record, fn UpdateFunc) error {
	id, expires := rec.ID, rec.ExpiresAt
	if err := fn(rec); err != nil {
		return err
	}
	if rec.ID != id {
		return errors.New("session: update must not change the record id")
	}
	if rec.ExpiresAt.After(expires) {
		rec.ExpiresAt = expires
	}
	return rec.Validate()
}
