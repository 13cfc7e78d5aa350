package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Repository looks up catalog records by id. Every method returns
// ErrNotFound when the id does not resolve.
type Repository interface {
	Psychologist(ctx context.Context, id uuid.UUID) (*Summary, error)
	Modality(ctx context.Context, id uuid.UUID) (*Summary, error)
	State(ctx context.Context, id uuid.UUID) (*Summary, error)
	Patient(ctx context.Context, id uuid.UUID) (*Summary, error)
	// FindStateByName matches a case-insensitive name fragment.
	FindStateByName(ctx context.Context, fragment string) (*Summary, error)
}
