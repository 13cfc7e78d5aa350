package session

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts are tried in order. Layouts without an offset are
// interpreted in the clinic location.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses an ISO-like timestamp. Fractional seconds are
// dropped. field names the input for the returned ValidationError.
func ParseTimestamp(field, value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, invalid(field, "is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.Truncate(time.Second), nil
		}
	}
	return time.Time{}, invalid(field, "%q is not a valid timestamp", value)
}

// ParseDate parses a YYYY-MM-DD date or a full timestamp. Bare dates are
// midnight in loc.
func ParseDate(field, value string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return t, true, nil
	}
	t, err := ParseTimestamp(field, value, loc)
	return t, false, err
}

// Policy holds the clinic scheduling rules.
type Policy struct {
	Location     *time.Location
	WorkdayStart int // hour, inclusive
	WorkdayEnd   int // hour, inclusive for end times
	MinDuration  time.Duration
	MaxDuration  time.Duration
	HorizonDays  int
	RejectPast   bool
	Now          func() time.Time
}

// DefaultPolicy returns the clinic defaults: 08:00-18:00, 15 minutes to
// 8 hours, one year ahead, no past bookings.
func DefaultPolicy(loc *time.Location) Policy {
	return Policy{
		Location:     loc,
		WorkdayStart: 8,
		WorkdayEnd:   18,
		MinDuration:  15 * time.Minute,
		MaxDuration:  8 * time.Hour,
		HorizonDays:  365,
		RejectPast:   true,
		Now:          time.Now,
	}
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Policy) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

// CheckWindow validates [start, end) against ordering, duration and working
// hours. When timeChanged is true the past and horizon rules apply as well.
func (p Policy) CheckWindow(start, end time.Time, timeChanged bool) error {
	if !start.Before(end) {
		return invalid("end_time", "must be after start_time")
	}

	d := end.Sub(start)
	if d < p.MinDuration || d > p.MaxDuration {
		return &RuleViolationError{
			Rule:    RuleDuration,
			Message: fmt.Sprintf("session must last between %s and %s, got %s", p.MinDuration, p.MaxDuration, d),
		}
	}

	loc := p.location()
	ls := start.In(loc)
	dayStart := time.Date(ls.Year(), ls.Month(), ls.Day(), p.WorkdayStart, 0, 0, 0, loc)
	dayEnd := time.Date(ls.Year(), ls.Month(), ls.Day(), p.WorkdayEnd, 0, 0, 0, loc)
	if ls.Before(dayStart) || end.After(dayEnd) {
		return &RuleViolationError{
			Rule:    RuleWorkingHours,
			Message: fmt.Sprintf("session must fall within %02d:00-%02d:00 %s on a single day", p.WorkdayStart, p.WorkdayEnd, loc),
		}
	}

	if !timeChanged {
		return nil
	}

	now := p.now()
	if p.RejectPast && start.Before(now) {
		return &RuleViolationError{Rule: RulePastBooking, Message: "session cannot start in the past"}
	}
	if p.HorizonDays > 0 && start.After(now.AddDate(0, 0, p.HorizonDays)) {
		return &RuleViolationError{
			Rule:    RuleBookingHorizon,
			Message: fmt.Sprintf("session cannot be booked more than %d days ahead", p.HorizonDays),
		}
	}
	return nil
}
