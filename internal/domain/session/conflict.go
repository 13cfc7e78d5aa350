package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OverlapFinder returns the ids of active sessions of a psychologist that
// intersect [start, end), ignoring excludeID when set.
type OverlapFinder interface {
	FindOverlapping(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]uuid.UUID, error)
}

// ConflictChecker detects double-booking of a psychologist. Cancelled and
// soft-deleted sessions never conflict.
type ConflictChecker struct {
	finder OverlapFinder
}

func NewConflictChecker(finder OverlapFinder) *ConflictChecker {
	return &ConflictChecker{finder: finder}
}

// HasConflict reports whether any active session overlaps the window.
func (c *ConflictChecker) HasConflict(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (bool, error) {
	_, found, err := c.FindConflict(ctx, psychologistID, start, end, excludeID)
	return found, err
}

// FindConflict returns the first overlapping session id.
func (c *ConflictChecker) FindConflict(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (uuid.UUID, bool, error) {
	ids, err := c.finder.FindOverlapping(ctx, psychologistID, start, end, excludeID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(ids) == 0 {
		return uuid.Nil, false, nil
	}
	return ids[0], true, nil
}

// Check returns a ConflictError naming the first overlapping session, or nil.
func (c *ConflictChecker) Check(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) error {
	id, found, err := c.FindConflict(ctx, psychologistID, start, end, excludeID)
	if err != nil || !found {
		return err
	}
	return &ConflictError{PsychologistID: psychologistID, ConflictingSessionID: id}
}
