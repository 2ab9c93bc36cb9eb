// Package window decides whether a campaign may place a call at a given instant.
package window

import (
	"fmt"
	"time"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// searchDays bounds the forward scan. A week plus one day covers every working-day set.
const searchDays = 8

// Decision is the gate verdict for one instant.
type Decision struct {
	Admit bool
	// At is the next admissible instant when Admit is false.
	At time.Time
	// Closed is set when the schedule has ended and no future window exists.
	Closed bool
}

// Admit evaluates the schedule at now.
func Admit(schedule domain.Schedule, now time.Time) (Decision, error) {
	next, ok, err := NextOpening(schedule, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Closed: true}, nil
	}
	if !next.After(now) {
		return Decision{Admit: true, At: now}, nil
	}
	return Decision{At: next}, nil
}

// NextOpening returns the earliest admissible instant at or after from.
// The boolean is false when the schedule end date has passed.
func NextOpening(schedule domain.Schedule, from time.Time) (time.Time, bool, error) {
	if err := Validate(schedule); err != nil {
		return time.Time{}, false, err
	}
	loc, _ := schedule.Location()

	cursor := from.In(loc)
	if !schedule.StartDate.IsZero() {
		first := civilDay(schedule.StartDate, loc)
		if cursor.Before(first) {
			cursor = first
		}
	}

	var last time.Time
	if schedule.EndDate != nil {
		last = civilDay(*schedule.EndDate, loc)
	}

	sh, sm := schedule.StartTime.Clock()
	eh, em := schedule.EndTime.Clock()

	for i := 0; i < searchDays; i++ {
		y, m, d := cursor.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		if !last.IsZero() && day.After(last) {
			return time.Time{}, false, nil
		}

		if schedule.WorksOn(day.Weekday()) {
			open := time.Date(y, m, d, sh, sm, 0, 0, loc)
			closeAt := time.Date(y, m, d, eh, em, 0, 0, loc)
			if cursor.Before(open) {
				return open, true, nil
			}
			if cursor.Before(closeAt) {
				return cursor, true, nil
			}
		}

		cursor = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}

	return time.Time{}, false, nil
}

// Validate checks the fields the gate depends on.
func Validate(schedule domain.Schedule) error {
	if _, err := schedule.Location(); err != nil {
		return fmt.Errorf("window: unknown time zone %q: %w", schedule.TimeZone, apperrors.ErrValidation)
	}
	if schedule.StartTime < 0 || schedule.EndTime > 24*60 {
		return fmt.Errorf("window: time of day out of range: %w", apperrors.ErrValidation)
	}
	if schedule.StartTime >= schedule.EndTime {
		return fmt.Errorf("window: start %s must be before end %s: %w", schedule.StartTime, schedule.EndTime, apperrors.ErrValidation)
	}
	for _, d := range schedule.WorkingDays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("window: invalid working day %d: %w", d, apperrors.ErrValidation)
		}
	}
	if schedule.EndDate != nil && !schedule.StartDate.IsZero() && schedule.EndDate.Before(schedule.StartDate) {
		return fmt.Errorf("window: end date before start date: %w", apperrors.ErrValidation)
	}
	return nil
}

// civilDay reinterprets the calendar date of t as local midnight in loc.
func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
