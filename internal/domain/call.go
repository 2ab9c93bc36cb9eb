package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the normalized result of a placed call.
type Outcome string

const (
	OutcomeAnswered       Outcome = "answered"
	OutcomeNoAnswer       Outcome = "no_answer"
	OutcomeBusy           Outcome = "busy"
	OutcomeVoicemail      Outcome = "voicemail"
	OutcomeProviderFailed Outcome = "provider_failed"
)

// LeadStatus maps the outcome to the terminal lead status it produces.
func (o Outcome) LeadStatus() LeadStatus {
	switch o {
	case OutcomeAnswered:
		return LeadStatusCompleted
	case OutcomeNoAnswer:
		return LeadStatusNoAnswer
	case OutcomeBusy:
		return LeadStatusBusy
	case OutcomeVoicemail:
		return LeadStatusVoicemail
	default:
		return LeadStatusFailed
	}
}

// CallJob is one attempt to call one lead. It lives only while in flight.
type CallJob struct {
	LeadID        uuid.UUID
	CampaignID    uuid.UUID
	PhoneNumberID string
	AssistantID   string
	CustomerPhone string
	AttemptNumber int
	ScheduledAt   time.Time
}

// CallResult is what the provider reported for a CallJob.
type CallResult struct {
	Outcome           Outcome
	ProviderCallID    string
	EndedReason       string
	Duration          time.Duration
	Cost              float64
	CallbackRequested bool
	Err               error
}

// CallAttempt captures an individual attempt for the attempt log.
type CallAttempt struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	LeadID         uuid.UUID
	AttemptNum     int
	PhoneNumberID  string
	ProviderCallID string
	Outcome        Outcome
	LeadStatus     LeadStatus
	Error          string
	Cost           float64
	Duration       time.Duration
	CreatedAt      time.Time
}
