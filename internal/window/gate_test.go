package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

func weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func businessSchedule(tz string) domain.Schedule {
	return domain.Schedule{
		StartTime:   domain.MustClock("09:00"),
		EndTime:     domain.MustClock("20:00"),
		TimeZone:    tz,
		WorkingDays: weekdays(),
	}
}

func TestAdmitAfterCloseReschedulesToNextMorning(t *testing.T) {
	// Tuesday 2024-01-02 21:00 local.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 1, 2, 21, 0, 0, 0, loc)

	decision, err := Admit(businessSchedule("America/New_York"), now)
	require.NoError(t, err)
	require.False(t, decision.Admit)
	require.False(t, decision.Closed)
	require.True(t, decision.At.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, loc)), "got %v", decision.At)
}

func TestAdmit(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	schedule := businessSchedule("Europe/Berlin")

	cases := []struct {
		name  string
		now   time.Time
		admit bool
		at    time.Time
	}{
		{
			name:  "inside window",
			now:   time.Date(2024, 1, 3, 10, 30, 0, 0, loc),
			admit: true,
		},
		{
			name:  "exactly at start",
			now:   time.Date(2024, 1, 3, 9, 0, 0, 0, loc),
			admit: true,
		},
		{
			name: "exactly at end is closed",
			now:  time.Date(2024, 1, 3, 20, 0, 0, 0, loc),
			at:   time.Date(2024, 1, 4, 9, 0, 0, 0, loc),
		},
		{
			name: "before start same day",
			now:  time.Date(2024, 1, 3, 7, 15, 0, 0, loc),
			at:   time.Date(2024, 1, 3, 9, 0, 0, 0, loc),
		},
		{
			name: "friday evening skips weekend",
			now:  time.Date(2024, 1, 5, 20, 30, 0, 0, loc),
			at:   time.Date(2024, 1, 8, 9, 0, 0, 0, loc),
		},
		{
			name: "saturday midday",
			now:  time.Date(2024, 1, 6, 12, 0, 0, 0, loc),
			at:   time.Date(2024, 1, 8, 9, 0, 0, 0, loc),
		},
		{
			name:  "instant given in another zone",
			now:   time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC),
			admit: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := Admit(schedule, tc.now)
			require.NoError(t, err)
			require.Equal(t, tc.admit, decision.Admit)
			if !tc.admit {
				require.True(t, decision.At.Equal(tc.at), "want %v got %v", tc.at, decision.At)
			}
		})
	}
}

func TestAdmitHonoursStartDate(t *testing.T) {
	schedule := businessSchedule("UTC")
	schedule.StartDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	decision, err := Admit(schedule, time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, decision.Admit)
	require.Equal(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), decision.At.UTC())
}

func TestAdmitClosedAfterEndDate(t *testing.T) {
	schedule := businessSchedule("UTC")
	end := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	schedule.EndDate = &end

	decision, err := Admit(schedule, time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, decision.Admit, "end date is inclusive")

	decision, err = Admit(schedule, time.Date(2024, 1, 5, 21, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, decision.Closed)
}

func TestEmptyWorkingDaysMeansEveryDay(t *testing.T) {
	schedule := businessSchedule("UTC")
	schedule.WorkingDays = nil

	decision, err := Admit(schedule, time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, decision.Admit)
}

func TestAcrossSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	schedule := domain.Schedule{
		StartTime: domain.MustClock("09:00"),
		EndTime:   domain.MustClock("17:00"),
		TimeZone:  "America/New_York",
	}
	// 2024-03-09 18:00 EST, next opening 2024-03-10 09:00 EDT.
	next, ok, err := NextOpening(schedule, time.Date(2024, 3, 9, 18, 0, 0, 0, loc))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), next.UTC())
}

func TestValidate(t *testing.T) {
	bad := []domain.Schedule{
		{StartTime: domain.MustClock("10:00"), EndTime: domain.MustClock("09:00"), TimeZone: "UTC"},
		{StartTime: domain.MustClock("10:00"), EndTime: domain.MustClock("10:00"), TimeZone: "UTC"},
		{StartTime: domain.MustClock("09:00"), EndTime: domain.MustClock("17:00"), TimeZone: "Mars/Olympus"},
	}
	for _, s := range bad {
		_, err := Admit(s, time.Now())
		require.ErrorIs(t, err, apperrors.ErrValidation)
	}
}
