// Package store is the boundary to the durable session record. The engine
// assumes an external document store with atomic per-record conditional
// update; the redis implementation realizes that with WATCH transactions
// keyed on the session revision.
package store

import (
	"context"
	"errors"

	"github.com/yvesdamsh/damcash2/internal/session"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyExists   = errors.New("session already exists")
	ErrVersionConflict = errors.New("stored revision advanced past expected")
	// ErrCorruptState marks a record that fails to deserialize; it is
	// surfaced hard and never auto-repaired.
	ErrCorruptState = errors.New("session record failed to deserialize")
)

// Store is the durable session store contract.
type Store interface {
	Create(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	// Update re-reads the record inside a transaction, verifies the stored
	// revision equals expectedRev, applies mutate and persists the result
	// atomically. A concurrent writer surfaces as ErrVersionConflict; errors
	// returned by mutate abort the transaction unchanged.
	Update(ctx context.Context, id string, expectedRev int64, mutate func(*session.Session) error) (*session.Session, error)
	// Count reports how many session records are currently stored.
	Count(ctx context.Context) (int, error)
}
