package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/psyclinic/clinic/internal/domain/catalog"
)

// Session maps to the therapy_session table. Psychologist, Modality and State
// carry the foreign key in ID and the resolved display name.
type Session struct {
	ID                 uuid.UUID         `json:"id"`
	StartTime          time.Time         `json:"start_time"`
	EndTime            time.Time         `json:"end_time"`
	Psychologist       catalog.Summary   `json:"psychologist"`
	Modality           catalog.Summary   `json:"modality"`
	State              catalog.Summary   `json:"state"`
	Patients           []catalog.Summary `json:"patients"`
	Notes              *string           `json:"notes,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	Cancelled          bool              `json:"-"`
	IdempotencyKey     *string           `json:"-"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Duration returns end - start.
func (s *Session) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// IsDeleted reports whether the session is soft-deleted.
func (s *Session) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Blocks reports whether the session occupies its psychologist's calendar.
func (s *Session) Blocks() bool {
	return !s.IsDeleted() && !s.Cancelled
}

// Overlaps reports whether the session intersects [start, end).
func (s *Session) Overlaps(start, end time.Time) bool {
	return Overlaps(s.StartTime, s.EndTime, start, end)
}

// PatientIDs returns the ids of the linked patients.
func (s *Session) PatientIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Patients))
	for i, p := range s.Patients {
		ids[i] = p.ID
	}
	return ids
}

// HasPatient reports whether id is linked to the session.
func (s *Session) HasPatient(id uuid.UUID) bool {
	for _, p := range s.Patients {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Overlaps is the half-open interval test: [aStart, aEnd) and [bStart, bEnd)
// intersect iff aStart < bEnd and aEnd > bStart.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	StartTime          *time.Time
	EndTime            *time.Time
	PsychologistID     *uuid.UUID
	ModalityID         *uuid.UUID
	StateID            *uuid.UUID
	Notes              *string
	CancellationReason *string
	Cancelled          *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.PsychologistID == nil &&
		p.ModalityID == nil && p.StateID == nil && p.Notes == nil &&
		p.CancellationReason == nil && p.Cancelled == nil
}

// Apply returns a copy of s with the patch applied. Display names of changed
// references are cleared; callers fill them from the resolver.
func (p Patch) Apply(s Session) Session {
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		s.EndTime = *p.EndTime
	}
	if p.PsychologistID != nil && *p.PsychologistID != s.Psychologist.ID {
		s.Psychologist = catalog.Summary{ID: *p.PsychologistID}
	}
	if p.ModalityID != nil && *p.ModalityID != s.Modality.ID {
		s.Modality = catalog.Summary{ID: *p.ModalityID}
	}
	if p.StateID != nil && *p.StateID != s.State.ID {
		s.State = catalog.Summary{ID: *p.StateID}
	}
	if p.Notes != nil {
		s.Notes = p.Notes
	}
	if p.CancellationReason != nil {
		s.CancellationReason = p.CancellationReason
	}
	if p.Cancelled != nil {
		s.Cancelled = *p.Cancelled
	}
	return s
}

// Filter narrows Search results. Zero values mean "no constraint".
type Filter struct {
	// Search matches psychologist, modality and state display names.
	Search         string
	PsychologistID *uuid.UUID
	ModalityID     *uuid.UUID
	StateID        *uuid.UUID
	// From and To bound start_time as [From, To).
	From *time.Time
	To   *time.Time
	// ExcludeCancelled hides cancelled sessions.
	ExcludeCancelled bool
	// Ascending orders by start_time ascending instead of the default descending.
	Ascending bool
}

// CreateInput is a booking request. Timestamps are ISO-like strings; values
// without an offset are read in clinic time.
type CreateInput struct {
	StartTime      string   `json:"start_time" validate:"required"`
	EndTime        string   `json:"end_time" validate:"required"`
	PsychologistID string   `json:"psychologist_id" validate:"required,uuid"`
	ModalityID     string   `json:"modality_id" validate:"required,uuid"`
	StateID        string   `json:"state_id" validate:"omitempty,uuid"`
	PatientIDs     []string `json:"patient_ids" validate:"omitempty,max=20,dive,uuid"`
	Notes          *string  `json:"notes" validate:"omitempty,max=4000"`
	IdempotencyKey string   `json:"-" validate:"omitempty,max=128"`
}

// UpdateInput is a partial update request. Only non-nil fields change.
type UpdateInput struct {
	StartTime          *string `json:"start_time"`
	EndTime            *string `json:"end_time"`
	PsychologistID     *string `json:"psychologist_id" validate:"omitempty,uuid"`
	ModalityID         *string `json:"modality_id" validate:"omitempty,uuid"`
	StateID            *string `json:"state_id" validate:"omitempty,uuid"`
	Notes              *string `json:"notes" validate:"omitempty,max=4000"`
	CancellationReason *string `json:"cancellation_reason" validate:"omitempty,max=1000"`
}
