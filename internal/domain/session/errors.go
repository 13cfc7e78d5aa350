package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the target session does not exist or is
	// not in a state the operation applies to (e.g. restoring a visible session).
	ErrNotFound = errors.New("session not found")
	// ErrPatientNotLinked is returned when removing a patient the session does not have.
	ErrPatientNotLinked = errors.New("patient is not linked to the session")
	// ErrCancelStateMissing is returned when the catalog has no cancellation state.
	ErrCancelStateMissing = errors.New("no cancellation state is available in the state catalog")
	// ErrDuplicateIdempotencyKey is returned by stores when a create reuses a key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// ValidationError reports malformed input. No persistence was attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReferenceNotFoundError reports a psychologist, modality, state or patient
// id that does not resolve.
type ReferenceNotFoundError struct {
	Field string
	ID    uuid.UUID
}

func (e *ReferenceNotFoundError) Error() string {
	if e.ID == uuid.Nil {
		return fmt.Sprintf("%s: related record not found", e.Field)
	}
	return fmt.Sprintf("%s: related record %s not found", e.Field, e.ID)
}

// Rule identifies a business rule.
type Rule string

const (
	RuleDuration       Rule = "duration"
	RuleWorkingHours   Rule = "working_hours"
	RuleBookingHorizon Rule = "booking_horizon"
	RulePastBooking    Rule = "past_booking"
	RuleTerminalState  Rule = "terminal_state"
)

// RuleViolationError reports a well-formed request that breaks a scheduling rule.
type RuleViolationError struct {
	Rule    Rule
	Message string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// ConflictError reports an overlapping active session for the psychologist.
// ConflictingSessionID is uuid.Nil when the conflict was detected by the
// storage constraint rather than the pre-check.
type ConflictError struct {
	PsychologistID       uuid.UUID
	ConflictingSessionID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.ConflictingSessionID == uuid.Nil {
		return fmt.Sprintf("psychologist %s already has a session in that time window", e.PsychologistID)
	}
	return fmt.Sprintf("psychologist %s already has session %s in that time window", e.PsychologistID, e.ConflictingSessionID)
}

// isDomainError reports errors that describe the request rather than a
// storage failure.
func isDomainError(err error) bool {
	var (
		ve *ValidationError
		re *ReferenceNotFoundError
		rv *RuleViolationError
		ce *ConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &re) || errors.As(err, &rv) || errors.As(err, &ce) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrPatientNotLinked) || errors.Is(err, ErrCancelStateMissing)
}
