package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

const maxAttemptsPage = 100

type attemptResponse struct {
	Attempt        int               `json:"attempt"`
	CampaignID     uuid.UUID         `json:"campaign_id"`
	PhoneNumberID  string            `json:"phone_number_id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Outcome        domain.Outcome    `json:"outcome"`
	LeadStatus     domain.LeadStatus `json:"lead_status"`
	Error          string            `json:"error,omitempty"`
	Cost           float64           `json:"cost"`
	DurationMs     int64             `json:"duration_ms"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (h *HandlerSet) leadAttempts(ctx *fiber.Ctx) error {
	leadID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return translateError(fmt.Errorf("invalid lead id: %w", apperrors.ErrValidation))
	}
	limit := ctx.QueryInt("limit", 20)
	if limit <= 0 || limit > maxAttemptsPage {
		limit = maxAttemptsPage
	}

	attempts, err := h.attempts.ListAttemptsByLead(ctx.UserContext(), leadID, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			Attempt:        a.AttemptNum,
			CampaignID:     a.CampaignID,
			PhoneNumberID:  a.PhoneNumberID,
			ProviderCallID: a.ProviderCallID,
			Outcome:        a.Outcome,
			LeadStatus:     a.LeadStatus,
			Error:          a.Error,
			Cost:           a.Cost,
			DurationMs:     a.Duration.Milliseconds(),
			CreatedAt:      a.CreatedAt,
		})
	}
	return ctx.JSON(fiber.Map{"lead_id": leadID, "attempts": out})
}
