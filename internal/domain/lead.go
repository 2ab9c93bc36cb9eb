package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus enumerates lifecycle stages for a lead.
type LeadStatus string

const (
	LeadStatusNew               LeadStatus = "new"
	LeadStatusQueued            LeadStatus = "queued"
	LeadStatusCalling           LeadStatus = "calling"
	LeadStatusCompleted         LeadStatus = "completed"
	LeadStatusFailed            LeadStatus = "failed"
	LeadStatusNoAnswer          LeadStatus = "no_answer"
	LeadStatusBusy              LeadStatus = "busy"
	LeadStatusVoicemail         LeadStatus = "voicemail"
	LeadStatusCallbackRequested LeadStatus = "callback_requested"
)

// Lead is a person to be called on behalf of a campaign.
type Lead struct {
	ID             uuid.UUID  `json:"id"`
	CampaignID     uuid.UUID  `json:"campaign_id"`
	Phone          string     `json:"phone"`
	Status         LeadStatus `json:"status"`
	CallAttempts   int        `json:"call_attempts"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the lead will never be dialled again.
// Unsuccessful statuses are terminal only once no retry is pending.
func (l Lead) IsTerminal() bool {
	switch l.Status {
	case LeadStatusCompleted, LeadStatusCallbackRequested:
		return true
	case LeadStatusNoAnswer, LeadStatusBusy, LeadStatusVoicemail, LeadStatusFailed:
		return l.NextEligibleAt == nil
	default:
		return false
	}
}

// Dispatchable reports whether the lead should sit in the queue.
func (l Lead) Dispatchable() bool {
	switch l.Status {
	case LeadStatusNew, LeadStatusQueued:
		return true
	case LeadStatusNoAnswer, LeadStatusBusy, LeadStatusVoicemail, LeadStatusFailed:
		return l.NextEligibleAt != nil
	default:
		return false
	}
}

// PhoneNumber is an originating line with a daily usage cap.
type PhoneNumber struct {
	ID             string `json:"id" db:"id"`
	Number         string `json:"number" db:"number"`
	DailyCallCount int    `json:"daily_call_count" db:"daily_call_count"`
	DailyCap       int    `json:"daily_cap" db:"daily_cap"`
	// LastResetDate is the civil date (YYYY-MM-DD) the counter was last zeroed.
	LastResetDate string `json:"last_reset_date" db:"last_reset_date"`
}
