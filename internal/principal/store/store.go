// Package store defines the persistent relations for principals and
// verification entries, with in-memory, SQLite, PostgreSQL and Redis-backed
// implementations.
package store

import (
	"context"

	"vigil/internal/principal/models"
)

// VerificationTTL is how long an issued verification code stays valid, in
// seconds.
const VerificationTTL = 600

// PrincipalStore is the durable relation of registered principals. Lookups
// return sentinel.ErrNotFound (wrapped) when no row matches.
type PrincipalStore interface {
	GetByID(ctx context.Context, id string) (models.Principal, error)
	GetByEmail(ctx context.Context, email string) (models.Principal, error)

	// Create mints a fresh unique id, inserts the principal with
	// StateNormal and returns the full record. Generation and insert are
	// atomic with respect to id uniqueness.
	Create(ctx context.Context, email string) (models.Principal, error)

	// SetState writes newState and returns true, unless the current state
	// is terminal in which case nothing is written and false is returned.
	// The check and write are atomic per id; a missing principal counts as
	// terminal.
	SetState(ctx context.Context, id string, newState models.State) (bool, error)

	Delete(ctx context.Context, id string) error
	ListByState(ctx context.Context, state models.State) ([]models.Principal, error)
}

// VerificationStore is the relation of live one-time enrollment codes.
type VerificationStore interface {
	// Create issues a fresh unique code expiring VerificationTTL seconds
	// after now. When suppressIfExists is set and a live entry for the
	// email already exists, nothing is inserted and (nil, nil) is
	// returned.
	Create(ctx context.Context, email string, now uint32, suppressIfExists bool) (*models.VerificationEntry, error)

	// GetByEmail returns (nil, nil) when no entry exists.
	GetByEmail(ctx context.Context, email string) (*models.VerificationEntry, error)

	// ConsumeByCode deletes the entry holding code and returns its email.
	// Absent codes yield sentinel.ErrNotFound. Expired-but-matching
	// entries yield sentinel.ErrExpired and are left in place for the
	// purge sweep.
	ConsumeByCode(ctx context.Context, code uint64, now uint32) (string, error)

	// PurgeExpired deletes every entry with expires < now.
	PurgeExpired(ctx context.Context, now uint32) error
}
