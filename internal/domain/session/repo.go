package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/psyclinic/clinic/internal/domain/catalog"
)

// Store persists sessions. Reads exclude soft-deleted rows unless stated.
// Methods called with a context returned by WithinTx join that transaction.
type Store interface {
	OverlapFinder

	// Create inserts s and its patient links, assigning ID and timestamps.
	// It returns a ConflictError when the storage layer rejects an overlap
	// and ErrDuplicateIdempotencyKey when the key was already used.
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetIncludingDeleted also returns soft-deleted sessions.
	GetIncludingDeleted(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetByIdempotencyKey returns the session created with key, deleted or not.
	GetByIdempotencyKey(ctx context.Context, key string) (*Session, error)
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Session, int, error)
	Update(ctx context.Context, id uuid.UUID, p Patch) (*Session, error)
	// SoftDelete returns false when the session is missing or already deleted.
	SoftDelete(ctx context.Context, id uuid.UUID) (bool, error)
	// Restore returns false when the session is missing or not deleted.
	Restore(ctx context.Context, id uuid.UUID) (bool, error)
	// AddPatient is a no-op when the link exists.
	AddPatient(ctx context.Context, sessionID, patientID uuid.UUID) error
	// RemovePatient returns false when the link does not exist.
	RemovePatient(ctx context.Context, sessionID, patientID uuid.UUID) (bool, error)

	// WithinTx runs fn atomically.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockPsychologist serializes check-and-write sequences for one
	// psychologist until the surrounding WithinTx returns.
	LockPsychologist(ctx context.Context, psychologistID uuid.UUID) error
}

// ReferenceResolver resolves catalog ids to display summaries.
// catalog.Repository satisfies it.
type ReferenceResolver interface {
	Psychologist(ctx context.Context, id uuid.UUID) (*catalog.Summary, error)
	Modality(ctx context.Context, id uuid.UUID) (*catalog.Summary, error)
	State(ctx context.Context, id uuid.UUID) (*catalog.Summary, error)
	Patient(ctx context.Context, id uuid.UUID) (*catalog.Summary, error)
	FindStateByName(ctx context.Context, fragment string) (*catalog.Summary, error)
}
