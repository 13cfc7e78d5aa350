package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// maxDaySessions bounds the sessions read when computing one day's slots.
const maxDaySessions = 200

// Slot is a bookable window on a psychologist's calendar.
type Slot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration int       `json:"duration_minutes"`
}

// slotStep returns the grid free slots are aligned to.
func (p Policy) slotStep() time.Duration {
	if p.MinDuration > 0 {
		return p.MinDuration
	}
	return 15 * time.Minute
}

// freeSlots lays a grid over the working day of day and keeps the windows
// of the given length that pass the policy and overlap no busy session.
func freeSlots(p Policy, day time.Time, length time.Duration, busy []*Session) []Slot {
	loc := p.location()
	d := day.In(loc)
	open := time.Date(d.Year(), d.Month(), d.Day(), p.WorkdayStart, 0, 0, 0, loc)
	closeAt := time.Date(d.Year(), d.Month(), d.Day(), p.WorkdayEnd, 0, 0, 0, loc)

	slots := []Slot{}
	for start := open; !start.Add(length).After(closeAt); start = start.Add(p.slotStep()) {
		end := start.Add(length)
		if p.CheckWindow(start, end, true) != nil {
			continue
		}
		taken := false
		for _, b := range busy {
			if b.Blocks() && b.Overlaps(start, end) {
				taken = true
				break
			}
		}
		if !taken {
			slots = append(slots, Slot{Start: start.UTC(), End: end.UTC(), Duration: int(length / time.Minute)})
		}
	}
	return slots
}

// FreeSlots returns the windows of the given length on day that the
// psychologist could still be booked for.
func (s *Service) FreeSlots(ctx context.Context, psychologistID uuid.UUID, day time.Time, length time.Duration) ([]Slot, error) {
	if length < s.policy.MinDuration || length > s.policy.MaxDuration {
		return nil, &RuleViolationError{
			Rule:    RuleDuration,
			Message: "slot length must be between " + s.policy.MinDuration.String() + " and " + s.policy.MaxDuration.String(),
		}
	}
	if _, err := s.resolve(ctx, "psychologist_id", psychologistID, s.refs.Psychologist); err != nil {
		return nil, err
	}

	loc := s.policy.location()
	d := day.In(loc)
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)
	// Sessions that started before midnight can still run into the day.
	lookback := from.Add(-s.policy.MaxDuration)

	busy, _, err := s.store.Search(ctx, Filter{
		PsychologistID:   &psychologistID,
		From:             &lookback,
		To:               &to,
		ExcludeCancelled: true,
		Ascending:        true,
	}, maxDaySessions, 0)
	if err != nil {
		return nil, s.fail("list day sessions", err)
	}
	return freeSlots(s.policy, from, length, busy), nil
}
