package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID               uuid.UUID
	Name             string
	Status           CampaignStatus
	Schedule         Schedule
	RetryPolicy      RetryPolicy
	ConcurrencyLimit int
	AssistantID      string
	// PhoneNumberIDs restricts allocation to designated numbers. Empty means any.
	PhoneNumberIDs []string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Schedule describes when a campaign may place calls.
type Schedule struct {
	StartDate time.Time
	EndDate   *time.Time
	StartTime ClockTime
	EndTime   ClockTime
	TimeZone  string
	// WorkingDays lists the local weekdays calls may be placed. Empty means every day.
	WorkingDays  []time.Weekday
	CallsPerDay  int
	CallsPerHour int
}

// Location resolves the schedule time zone.
func (s Schedule) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// WorksOn reports whether the weekday is a working day.
func (s Schedule) WorksOn(day time.Weekday) bool {
	if len(s.WorkingDays) == 0 {
		return true
	}
	for _, d := range s.WorkingDays {
		if d == day {
			return true
		}
	}
	return false
}

// ClockTime is a wall clock time expressed as minutes after local midnight.
type ClockTime int

// ParseClock parses an HH:MM string.
func ParseClock(value string) (ClockTime, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("clock: invalid time %q: %w", value, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// MustClock panics on malformed input. Intended for literals.
func MustClock(value string) ClockTime {
	c, err := ParseClock(value)
	if err != nil {
		panic(err)
	}
	return c
}

// Clock returns the hour and minute components.
func (c ClockTime) Clock() (hour, minute int) {
	return int(c) / 60, int(c) % 60
}

func (c ClockTime) String() string {
	h, m := c.Clock()
	return fmt.Sprintf("%02d:%02d", h, m)
}

// MarshalText implements encoding.TextMarshaler.
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClockTime) UnmarshalText(text []byte) error {
	parsed, err := ParseClock(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// RetryDelayUnit is the unit applied to RetryPolicy.RetryDelay.
type RetryDelayUnit string

const (
	RetryDelayHours RetryDelayUnit = "hours"
	RetryDelayDays  RetryDelayUnit = "days"
)

// RetryPolicy defines retry rules for unsuccessful calls.
type RetryPolicy struct {
	Enabled          bool
	MaxRetries       int
	RetryDelay       int
	RetryDelayUnit   RetryDelayUnit
	RetryOnNoAnswer  bool
	RetryOnBusy      bool
	RetryOnVoicemail bool
	RetryOnFailed    bool
}

// Delay converts the configured delay to a duration.
func (p RetryPolicy) Delay() time.Duration {
	unit := time.Hour
	if p.RetryDelayUnit == RetryDelayDays {
		unit = 24 * time.Hour
	}
	return time.Duration(p.RetryDelay) * unit
}

// MaxAttempts is the total number of attempts a lead may receive.
func (p RetryPolicy) MaxAttempts() int {
	if !p.Enabled {
		return 1
	}
	return p.MaxRetries + 1
}

// RetriesOn reports whether the policy retries the given outcome.
func (p RetryPolicy) RetriesOn(outcome Outcome) bool {
	switch outcome {
	case OutcomeNoAnswer:
		return p.RetryOnNoAnswer
	case OutcomeBusy:
		return p.RetryOnBusy
	case OutcomeVoicemail:
		return p.RetryOnVoicemail
	case OutcomeProviderFailed:
		return p.RetryOnFailed
	default:
		return false
	}
}

// CampaignStats aggregates campaign metrics.
type CampaignStats struct {
	Dispatched       int64   `db:"dispatched"`
	Completed        int64   `db:"completed"`
	Failed           int64   `db:"failed"`
	RetriesScheduled int64   `db:"retries_scheduled"`
	Deferred         int64   `db:"deferred"`
	CostTotal        float64 `db:"cost_total"`
}
