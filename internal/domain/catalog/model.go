package catalog

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced catalog record does not exist.
var ErrNotFound = errors.New("catalog record not found")

// Kind names a catalog entity type.
type Kind string

const (
	KindPsychologist Kind = "psychologist"
	KindModality     Kind = "modality"
	KindState        Kind = "state"
	KindPatient      Kind = "patient"
)

// Summary is the display projection of a catalog record.
type Summary struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
