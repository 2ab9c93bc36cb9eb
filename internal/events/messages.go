// Package events carries dispatch events from the dispatcher to the metrics
// aggregator and to the Kafka outcome topic.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// Kind classifies an event.
type Kind string

const (
	// KindDispatched is emitted when a call is handed to the provider.
	KindDispatched Kind = "dispatched"
	// KindOutcome is emitted once the provider outcome has been applied.
	KindOutcome Kind = "outcome"
	// KindDeferred is emitted when a lead is pushed back without an attempt.
	KindDeferred Kind = "deferred"
)

// Defer reasons.
const (
	ReasonWindow    = "window"
	ReasonRate      = "rate"
	ReasonExhausted = "exhausted"
	ReasonStore     = "store"
	ReasonConfig    = "config"
)

// Event is one dispatch fact. It is the wire format of the outcome topic.
type Event struct {
	ID             uuid.UUID         `json:"id"`
	Kind           Kind              `json:"kind"`
	CampaignID     uuid.UUID         `json:"campaign_id"`
	LeadID         uuid.UUID         `json:"lead_id"`
	Attempt        int               `json:"attempt,omitempty"`
	PhoneNumberID  string            `json:"phone_number_id,omitempty"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Outcome        domain.Outcome    `json:"outcome,omitempty"`
	LeadStatus     domain.LeadStatus `json:"lead_status,omitempty"`
	Terminal       bool              `json:"terminal,omitempty"`
	NextAttempt    *time.Time        `json:"next_attempt,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Cost           float64           `json:"cost,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
	Error          string            `json:"error,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Retrying reports whether an outcome event scheduled another attempt.
func (e Event) Retrying() bool {
	return e.Kind == KindOutcome && !e.Terminal && e.NextAttempt != nil
}

// AttemptRecord converts an outcome event into an attempt log entry.
func (e Event) AttemptRecord() domain.CallAttempt {
	return domain.CallAttempt{
		ID:             e.ID,
		CampaignID:     e.CampaignID,
		LeadID:         e.LeadID,
		AttemptNum:     e.Attempt,
		PhoneNumberID:  e.PhoneNumberID,
		ProviderCallID: e.ProviderCallID,
		Outcome:        e.Outcome,
		LeadStatus:     e.LeadStatus,
		Error:          e.Error,
		Cost:           e.Cost,
		Duration:       time.Duration(e.DurationMs) * time.Millisecond,
		CreatedAt:      e.OccurredAt,
	}
}
