// Package voice talks to the AI voice provider that places the actual calls.
package voice

import (
	"context"
	"strings"
	"time"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// Call status values reported by the provider.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusForwarding = "forwarding"
	StatusEnded      = "ended"
)

// CreateCallRequest asks the provider to dial one customer.
type CreateCallRequest struct {
	AssistantID   string
	PhoneNumberID string
	CustomerPhone string
	// Metadata is echoed back by the provider and used to correlate outcomes.
	Metadata map[string]string
}

// Call is the provider's view of a call.
type Call struct {
	ID                string
	Status            string
	EndedReason       string
	Cost              float64
	StartedAt         *time.Time
	EndedAt           *time.Time
	CallbackRequested bool
}

// Ended reports whether the provider has finished with the call.
func (c Call) Ended() bool {
	return c.Status == StatusEnded
}

// Duration is the connected time, zero when unknown.
func (c Call) Duration() time.Duration {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.StartedAt)
}

// Provider abstracts the voice platform integration.
type Provider interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (Call, error)
	GetCall(ctx context.Context, callID string) (Call, error)
}

// OutcomeFor maps an endedReason to a call outcome.
func OutcomeFor(endedReason string) domain.Outcome {
	reason := strings.ToLower(strings.TrimSpace(endedReason))
	switch {
	case reason == "customer-did-not-answer", strings.HasPrefix(reason, "no-answer"),
		reason == "customer-did-not-give-microphone-permission":
		return domain.OutcomeNoAnswer
	case reason == "customer-busy":
		return domain.OutcomeBusy
	case reason == "voicemail", strings.HasPrefix(reason, "voicemail"):
		return domain.OutcomeVoicemail
	case reason == "customer-ended-call",
		reason == "assistant-ended-call",
		reason == "assistant-said-end-call-phrase",
		reason == "assistant-forwarded-call",
		reason == "exceeded-max-duration",
		reason == "silence-timed-out":
		return domain.OutcomeAnswered
	default:
		return domain.OutcomeProviderFailed
	}
}
