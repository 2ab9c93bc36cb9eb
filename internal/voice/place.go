package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// Place creates a call for job and polls until the provider reports it ended.
// Any failure, including ctx expiry, yields a provider_failed result.
func Place(ctx context.Context, p Provider, job domain.CallJob, pollInterval time.Duration) (result domain.CallResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.CallResult{
				Outcome: domain.OutcomeProviderFailed,
				Err:     fmt.Errorf("voice: provider panic: %v: %w", r, apperrors.ErrProvider),
			}
		}
	}()

	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	call, err := p.CreateCall(ctx, CreateCallRequest{
		AssistantID:   job.AssistantID,
		PhoneNumberID: job.PhoneNumberID,
		CustomerPhone: job.CustomerPhone,
		Metadata: map[string]string{
			"campaign_id": job.CampaignID.String(),
			"lead_id":     job.LeadID.String(),
			"attempt":     fmt.Sprint(job.AttemptNumber),
		},
	})
	if err != nil {
		return failed(err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !call.Ended() {
		select {
		case <-ctx.Done():
			return domain.CallResult{
				Outcome:        domain.OutcomeProviderFailed,
				ProviderCallID: call.ID,
				Err:            fmt.Errorf("voice: waiting for call %s: %v: %w", call.ID, ctx.Err(), apperrors.ErrProvider),
			}
		case <-ticker.C:
		}
		next, err := p.GetCall(ctx, call.ID)
		if err != nil {
			res := failed(err)
			res.ProviderCallID = call.ID
			return res
		}
		call = next
	}

	res := domain.CallResult{
		Outcome:           OutcomeFor(call.EndedReason),
		ProviderCallID:    call.ID,
		EndedReason:       call.EndedReason,
		Duration:          call.Duration(),
		Cost:              call.Cost,
		CallbackRequested: call.CallbackRequested,
	}
	if res.Outcome == domain.OutcomeProviderFailed {
		res.Err = fmt.Errorf("voice: call ended with %q: %w", call.EndedReason, apperrors.ErrProvider)
	}
	return res
}

func failed(err error) domain.CallResult {
	if !apperrors.Is(err, apperrors.ErrProvider) {
		err = fmt.Errorf("voice: %v: %w", err, apperrors.ErrProvider)
	}
	return domain.CallResult{Outcome: domain.OutcomeProviderFailed, Err: err}
}
