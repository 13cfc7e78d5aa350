package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psyclinic/clinic/internal/domain/catalog"
	"github.com/psyclinic/clinic/internal/platform/db"
	"github.com/psyclinic/clinic/pkg/pagination"
)

// cancelNameFragment is matched against state names when no cancelled state
// id is configured.
const cancelNameFragment = "cancel"

const maxReasonLength = 1000

// States holds the catalog ids the lifecycle depends on. A nil Cancelled id
// falls back to a lookup by name.
type States struct {
	Scheduled uuid.UUID
	Completed uuid.UUID
	Cancelled uuid.UUID
}

// EventRecorder counts session lifecycle events.
type EventRecorder interface {
	SessionEvent(event string)
}

type nopRecorder struct{}

func (nopRecorder) SessionEvent(string) {}

// Service is the only entry point that mutates sessions. It validates input,
// enforces the scheduling rules and runs conflict detection before writing.
type Service struct {
	store     Store
	refs      ReferenceResolver
	conflicts *ConflictChecker
	policy    Policy
	states    States
	validate  *validator.Validate
	events    EventRecorder
	logger    zerolog.Logger
}

func NewService(store Store, refs ReferenceResolver, policy Policy, states States, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		refs:      refs,
		conflicts: NewConflictChecker(store),
		policy:    policy,
		states:    states,
		validate:  newValidator(),
		events:    nopRecorder{},
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// SetEventRecorder replaces the recorder lifecycle events are counted on.
func (s *Service) SetEventRecorder(r EventRecorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.events = r
}

// Location returns the clinic time zone used to read timestamps without an offset.
func (s *Service) Location() *time.Location {
	return s.policy.location()
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check runs struct validation and reports the first failing field.
func (s *Service) check(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("", "%v", err)
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "is required")
	case "uuid":
		return invalid(fe.Field(), "must be a valid uuid")
	case "max":
		return invalid(fe.Field(), "must be at most %s long", fe.Param())
	default:
		return invalid(fe.Field(), "failed %q validation", fe.Tag())
	}
}

func parseID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, invalid(field, "must be a valid uuid")
	}
	return id, nil
}

func parseOptionalID(field string, value *string) (*uuid.UUID, error) {
	if value == nil {
		return nil, nil
	}
	id, err := parseID(field, *value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// fail logs storage failures and passes domain errors through untouched.
func (s *Service) fail(op string, err error) error {
	var ce *ConflictError
	if errors.As(err, &ce) {
		s.events.SessionEvent("conflict")
	}
	if !isDomainError(err) {
		s.logger.Error().Err(err).Str("op", op).Bool("retryable", db.IsRetryable(err)).Msg("session storage failure")
	}
	return err
}

// withPsychologist names the psychologist on conflicts raised by the store.
func withPsychologist(err error, psychologistID uuid.UUID) error {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.PsychologistID == uuid.Nil {
		ce.PsychologistID = psychologistID
	}
	return err
}

func (s *Service) resolve(ctx context.Context, field string, id uuid.UUID, lookup func(context.Context, uuid.UUID) (*catalog.Summary, error)) (catalog.Summary, error) {
	sum, err := lookup(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Summary{}, &ReferenceNotFoundError{Field: field, ID: id}
		}
		return catalog.Summary{}, s.fail("resolve "+field, err)
	}
	return *sum, nil
}

// cancelledState returns the configured cancellation state, or the first
// state whose name contains "cancel".
func (s *Service) cancelledState(ctx context.Context) (uuid.UUID, error) {
	if s.states.Cancelled != uuid.Nil {
		return s.states.Cancelled, nil
	}
	st, err := s.refs.FindStateByName(ctx, cancelNameFragment)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return uuid.Nil, ErrCancelStateMissing
		}
		return uuid.Nil, s.fail("find cancelled state", err)
	}
	s.logger.Warn().Str("state_id", st.ID.String()).Str("state", st.Name).
		Msg("cancelled state id is not configured, resolved by name")
	return st.ID, nil
}

func (s *Service) isCancelState(ctx context.Context, stateID uuid.UUID) (bool, error) {
	id, err := s.cancelledState(ctx)
	if errors.Is(err, ErrCancelStateMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id == stateID, nil
}

// isTerminal reports whether the session can no longer be rescheduled.
func (s *Service) isTerminal(sess *Session) bool {
	return sess.Cancelled || sess.State.ID == s.states.Completed
}

// CreateSession books a session after validating the window, resolving every
// reference and checking the psychologist's calendar. A repeated
// IdempotencyKey returns the session created by the first request.
func (s *Service) CreateSession(ctx context.Context, in CreateInput) (*Session, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	loc := s.policy.location()
	start, err := ParseTimestamp("start_time", in.StartTime, loc)
	if err != nil {
		return nil, err
	}
	end, err := ParseTimestamp("end_time", in.EndTime, loc)
	if err != nil {
		return nil, err
	}
	psychologistID, err := parseID("psychologist_id", in.PsychologistID)
	if err != nil {
		return nil, err
	}
	modalityID, err := parseID("modality_id", in.ModalityID)
	if err != nil {
		return nil, err
	}
	stateID := s.states.Scheduled
	if in.StateID != "" {
		if stateID, err = parseID("state_id", in.StateID); err != nil {
			return nil, err
		}
	}
	var patientIDs []uuid.UUID
	seen := make(map[uuid.UUID]bool, len(in.PatientIDs))
	for _, raw := range in.PatientIDs {
		id, err := parseID("patient_ids", raw)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			patientIDs = append(patientIDs, id)
		}
	}

	if err := s.policy.CheckWindow(start, end, true); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			return s.replay(existing)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, s.fail("get session by idempotency key", err)
		}
	}

	sess := &Session{
		ID:        uuid.New(),
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Notes:     in.Notes,
		Patients:  []catalog.Summary{},
	}
	if sess.Psychologist, err = s.resolve(ctx, "psychologist_id", psychologistID, s.refs.Psychologist); err != nil {
		return nil, err
	}
	if sess.Modality, err = s.resolve(ctx, "modality_id", modalityID, s.refs.Modality); err != nil {
		return nil, err
	}
	if sess.State, err = s.resolve(ctx, "state_id", stateID, s.refs.State); err != nil {
		return nil, err
	}
	for _, id := range patientIDs {
		p, err := s.resolve(ctx, "patient_ids", id, s.refs.Patient)
		if err != nil {
			return nil, err
		}
		sess.Patients = append(sess.Patients, p)
	}
	if sess.Cancelled, err = s.isCancelState(ctx, stateID); err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		sess.IdempotencyKey = &key
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if !sess.Cancelled {
			if err := s.store.LockPsychologist(ctx, psychologistID); err != nil {
				return err
			}
			if err := s.conflicts.Check(ctx, psychologistID, sess.StartTime, sess.EndTime, nil); err != nil {
				return err
			}
		}
		return s.store.Create(ctx, sess)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, gerr := s.store.GetByIdempotencyKey(ctx, *sess.IdempotencyKey)
		if gerr != nil {
			return nil, s.fail("get session by idempotency key", gerr)
		}
		return s.replay(existing)
	}
	if err != nil {
		return nil, s.fail("create session", withPsychologist(err, psychologistID))
	}

	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("psychologist_id", psychologistID.String()).
		Time("start_time", sess.StartTime).
		Dur("duration", sess.Duration()).
		Msg("session created")
	s.events.SessionEvent("created")
	return sess, nil
}

// replay answers a repeated create with the session the key produced. A key
// whose session was deleted since then is not reusable; the session comes
// back through RestoreSession only.
func (s *Service) replay(existing *Session) (*Session, error) {
	if existing.IsDeleted() {
		return nil, fmt.Errorf("%w: idempotency key belongs to deleted session %s", ErrNotFound, existing.ID)
	}
	s.logger.Debug().Str("session_id", existing.ID.String()).Msg("idempotent create replayed")
	s.events.SessionEvent("replayed")
	return existing, nil
}

// GetSession returns a visible session.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get session", err)
	}
	return sess, nil
}

// UpdateSession applies a partial update. Changing the window or the
// psychologist re-runs the rules and the conflict check, excluding the
// session itself.
func (s *Service) UpdateSession(ctx context.Context, id uuid.UUID, in UpdateInput) (*Session, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	p, err := s.parsePatch(in)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, id, p)
}

func (s *Service) parsePatch(in UpdateInput) (Patch, error) {
	var p Patch
	loc := s.policy.location()
	if in.StartTime != nil {
		t, err := ParseTimestamp("start_time", *in.StartTime, loc)
		if err != nil {
			return p, err
		}
		t = t.UTC()
		p.StartTime = &t
	}
	if in.EndTime != nil {
		t, err := ParseTimestamp("end_time", *in.EndTime, loc)
		if err != nil {
			return p, err
		}
		t = t.UTC()
		p.EndTime = &t
	}
	var err error
	if p.PsychologistID, err = parseOptionalID("psychologist_id", in.PsychologistID); err != nil {
		return p, err
	}
	if p.ModalityID, err = parseOptionalID("modality_id", in.ModalityID); err != nil {
		return p, err
	}
	if p.StateID, err = parseOptionalID("state_id", in.StateID); err != nil {
		return p, err
	}
	p.Notes = in.Notes
	p.CancellationReason = in.CancellationReason
	return p, nil
}

// apply is the single write path for updates and lifecycle transitions.
func (s *Service) apply(ctx context.Context, id uuid.UUID, p Patch) (*Session, error) {
	existing, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get session", err)
	}

	timeChanged := (p.StartTime != nil && !p.StartTime.Equal(existing.StartTime)) ||
		(p.EndTime != nil && !p.EndTime.Equal(existing.EndTime))
	if !timeChanged {
		p.StartTime, p.EndTime = nil, nil
	}
	if p.PsychologistID != nil && *p.PsychologistID == existing.Psychologist.ID {
		p.PsychologistID = nil
	}
	if p.ModalityID != nil && *p.ModalityID == existing.Modality.ID {
		p.ModalityID = nil
	}
	if p.StateID != nil && *p.StateID == existing.State.ID {
		p.StateID = nil
	}
	if p.IsEmpty() {
		return existing, nil
	}

	psychologistChanged := p.PsychologistID != nil
	if s.isTerminal(existing) && (timeChanged || psychologistChanged || p.ModalityID != nil || p.StateID != nil) {
		return nil, &RuleViolationError{
			Rule:    RuleTerminalState,
			Message: fmt.Sprintf("session is %s and can no longer be rescheduled or transitioned", existing.State.Name),
		}
	}

	merged := p.Apply(*existing)
	if timeChanged || psychologistChanged {
		if err := s.policy.CheckWindow(merged.StartTime, merged.EndTime, timeChanged); err != nil {
			return nil, err
		}
	}
	if psychologistChanged {
		if merged.Psychologist, err = s.resolve(ctx, "psychologist_id", merged.Psychologist.ID, s.refs.Psychologist); err != nil {
			return nil, err
		}
	}
	if p.ModalityID != nil {
		if _, err := s.resolve(ctx, "modality_id", *p.ModalityID, s.refs.Modality); err != nil {
			return nil, err
		}
	}
	if p.StateID != nil {
		if _, err := s.resolve(ctx, "state_id", *p.StateID, s.refs.State); err != nil {
			return nil, err
		}
		cancelled, err := s.isCancelState(ctx, *p.StateID)
		if err != nil {
			return nil, err
		}
		p.Cancelled = &cancelled
		merged.Cancelled = cancelled
	}

	needsCheck := (timeChanged || psychologistChanged) && !merged.Cancelled
	var updated *Session
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if needsCheck {
			if err := s.store.LockPsychologist(ctx, merged.Psychologist.ID); err != nil {
				return err
			}
			if err := s.conflicts.Check(ctx, merged.Psychologist.ID, merged.StartTime, merged.EndTime, &id); err != nil {
				return err
			}
		}
		var err error
		updated, err = s.store.Update(ctx, id, p)
		return err
	})
	if err != nil {
		return nil, s.fail("update session", withPsychologist(err, merged.Psychologist.ID))
	}

	ev := s.logger.Info().Str("session_id", id.String())
	if p.StateID != nil {
		ev = ev.Str("state_id", p.StateID.String())
	}
	if timeChanged {
		ev = ev.Time("start_time", updated.StartTime).Dur("duration", updated.Duration())
	}
	ev.Bool("rescheduled", timeChanged || psychologistChanged).Msg("session updated")
	if timeChanged || psychologistChanged {
		s.events.SessionEvent("rescheduled")
	}
	return updated, nil
}

// CancelSession moves the session to the cancellation state. Cancelled
// sessions stop blocking the psychologist's calendar.
func (s *Service) CancelSession(ctx context.Context, id uuid.UUID, reason string) (*Session, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, invalid("reason", "must be at most %d long", maxReasonLength)
	}
	stateID, err := s.cancelledState(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get session", err)
	}
	if existing.Cancelled {
		return nil, fmt.Errorf("%w: session is already cancelled", ErrNotFound)
	}
	p := Patch{StateID: &stateID}
	if reason != "" {
		p.CancellationReason = &reason
	}
	sess, err := s.apply(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.events.SessionEvent("cancelled")
	return sess, nil
}

// CompleteSession moves the session to the completed state.
func (s *Service) CompleteSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	existing, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get session", err)
	}
	if existing.State.ID == s.states.Completed {
		return nil, fmt.Errorf("%w: session is already completed", ErrNotFound)
	}
	completed := s.states.Completed
	sess, err := s.apply(ctx, id, Patch{StateID: &completed})
	if err != nil {
		return nil, err
	}
	s.events.SessionEvent("completed")
	return sess, nil
}

// DeleteSession soft-deletes a visible session.
func (s *Service) DeleteSession(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.SoftDelete(ctx, id)
	if err != nil {
		return s.fail("delete session", err)
	}
	if !ok {
		return ErrNotFound
	}
	s.logger.Info().Str("session_id", id.String()).Msg("session deleted")
	s.events.SessionEvent("deleted")
	return nil
}

// RestoreSession makes a soft-deleted session visible again with its prior
// state. It returns false when the session exists but is not deleted, and a
// ConflictError when its window was booked in the meantime.
func (s *Service) RestoreSession(ctx context.Context, id uuid.UUID) (bool, error) {
	sess, err := s.store.GetIncludingDeleted(ctx, id)
	if err != nil {
		return false, s.fail("get session", err)
	}
	if !sess.IsDeleted() {
		return false, nil
	}

	var restored bool
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if !sess.Cancelled {
			if err := s.store.LockPsychologist(ctx, sess.Psychologist.ID); err != nil {
				return err
			}
			if err := s.conflicts.Check(ctx, sess.Psychologist.ID, sess.StartTime, sess.EndTime, &id); err != nil {
				return err
			}
		}
		var err error
		restored, err = s.store.Restore(ctx, id)
		return err
	})
	if err != nil {
		return false, s.fail("restore session", withPsychologist(err, sess.Psychologist.ID))
	}
	if restored {
		s.logger.Info().Str("session_id", id.String()).Msg("session restored")
		s.events.SessionEvent("restored")
	}
	return restored, nil
}

// ListSessions returns one page of visible sessions, newest first unless
// f.Ascending is set.
func (s *Service) ListSessions(ctx context.Context, f Filter, p pagination.Params) (*pagination.Page[*Session], error) {
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, invalid("end_date", "must be after start_date")
	}
	items, total, err := s.store.Search(ctx, f, p.Limit, p.Offset())
	if err != nil {
		return nil, s.fail("list sessions", err)
	}
	return pagination.NewPage(items, total, p), nil
}

// ListByPsychologist returns the psychologist's sessions.
func (s *Service) ListByPsychologist(ctx context.Context, psychologistID uuid.UUID, p pagination.Params) (*pagination.Page[*Session], error) {
	if _, err := s.resolve(ctx, "psychologist_id", psychologistID, s.refs.Psychologist); err != nil {
		return nil, err
	}
	return s.ListSessions(ctx, Filter{PsychologistID: &psychologistID}, p)
}

// ListByDateRange returns sessions starting in [from, to), earliest first.
func (s *Service) ListByDateRange(ctx context.Context, from, to time.Time, p pagination.Params) (*pagination.Page[*Session], error) {
	return s.ListSessions(ctx, Filter{From: &from, To: &to, Ascending: true}, p)
}

// ListByState returns sessions currently in the given state.
func (s *Service) ListByState(ctx context.Context, stateID uuid.UUID, p pagination.Params) (*pagination.Page[*Session], error) {
	if _, err := s.resolve(ctx, "state_id", stateID, s.refs.State); err != nil {
		return nil, err
	}
	return s.ListSessions(ctx, Filter{StateID: &stateID}, p)
}

// CheckConflict reports whether booking [start, end) for the psychologist
// would overlap an active session. excludeID skips a session being edited.
func (s *Service) CheckConflict(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (bool, error) {
	_, conflict, err := s.FindConflict(ctx, psychologistID, start, end, excludeID)
	return conflict, err
}

// FindConflict is CheckConflict that also names the first overlapping session.
func (s *Service) FindConflict(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (uuid.UUID, bool, error) {
	if psychologistID == uuid.Nil {
		return uuid.Nil, false, invalid("psychologist_id", "is required")
	}
	if !start.Before(end) {
		return uuid.Nil, false, invalid("end_time", "must be after start_time")
	}
	id, conflict, err := s.conflicts.FindConflict(ctx, psychologistID, start, end, excludeID)
	if err != nil {
		return uuid.Nil, false, s.fail("check conflict", err)
	}
	return id, conflict, nil
}

// AddPatient links a patient to a session. Linking twice is a no-op.
func (s *Service) AddPatient(ctx context.Context, sessionID, patientID uuid.UUID) (*Session, error) {
	sess, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, s.fail("get session", err)
	}
	if sess.HasPatient(patientID) {
		return sess, nil
	}
	if _, err := s.resolve(ctx, "patient_id", patientID, s.refs.Patient); err != nil {
		return nil, err
	}
	if err := s.store.AddPatient(ctx, sessionID, patientID); err != nil {
		return nil, s.fail("add patient", err)
	}
	return s.GetSession(ctx, sessionID)
}

// RemovePatient unlinks a patient from a session.
func (s *Service) RemovePatient(ctx context.Context, sessionID, patientID uuid.UUID) (*Session, error) {
	if _, err := s.store.GetByID(ctx, sessionID); err != nil {
		return nil, s.fail("get session", err)
	}
	ok, err := s.store.RemovePatient(ctx, sessionID, patientID)
	if err != nil {
		return nil, s.fail("remove patient", err)
	}
	if !ok {
		return nil, ErrPatientNotLinked
	}
	return s.GetSession(ctx, sessionID)
}
