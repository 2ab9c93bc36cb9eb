package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/governor"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/voice"
	"github.com/acme/outbound-dispatch/internal/window"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

type worker struct {
	engine   *Engine
	campaign *domain.Campaign
	id       int
	log      *zap.Logger
}

func (w *worker) loop(ctx context.Context) {
	e := w.engine
	board := e.deps.Campaigns.Board()
	id := w.campaign.ID

	for ctx.Err() == nil {
		status, _ := board.Status(id)
		switch status {
		case domain.CampaignStatusCompleted:
			return
		case domain.CampaignStatusActive:
		default:
			if !sleep(ctx, e.cfg.PollInterval, nil) {
				return
			}
			continue
		}

		lead, ok, err := e.deps.Queue.Dequeue(ctx, id, e.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("dequeue", zap.Error(err))
			e.deps.Campaigns.RecordError(ctx, id, err)
			if !sleep(ctx, e.cfg.PollInterval, nil) {
				return
			}
			continue
		}
		if !ok {
			done, err := e.deps.Campaigns.TryComplete(ctx, id)
			if err != nil && ctx.Err() == nil {
				w.log.Warn("try complete", zap.Error(err))
			}
			if done {
				w.log.Info("campaign completed")
				return
			}
			var wake <-chan struct{}
			if n, ok := e.deps.Queue.(queue.Notifier); ok {
				wake = n.Signal(id)
			}
			if !sleep(ctx, e.cfg.PollInterval, wake) {
				return
			}
			continue
		}

		w.handle(ctx, lead)
	}
}

func (w *worker) handle(ctx context.Context, queued domain.Lead) {
	e := w.engine
	c := w.campaign
	log := w.log.With(zap.String("lead_id", queued.ID.String()))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatcher: panic handling lead: %v", r)
			log.Error("recovered panic", zap.Error(err))
			w.storeError(context.WithoutCancel(ctx), queued, err)
		}
	}()

	tracer := otel.Tracer("outbound.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatch.lead", trace.WithAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.String("lead.id", queued.ID.String()),
	))
	defer span.End()

	now := e.now()
	lead, err := e.deps.Leads.Get(ctx, queued.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = e.deps.Queue.Done(ctx, queued)
			return
		}
		span.RecordError(err)
		w.storeError(ctx, queued, err)
		return
	}

	if lead.Status == domain.LeadStatusCalling {
		w.recoverInterrupted(ctx, lead)
		return
	}
	if !lead.Dispatchable() {
		_ = e.deps.Queue.Done(ctx, *lead)
		return
	}
	if lead.NextEligibleAt != nil && lead.NextEligibleAt.After(now) {
		w.requeue(ctx, *lead, *lead.NextEligibleAt)
		return
	}

	if err := validate(c, lead); err != nil {
		log.Warn("lead rejected", zap.Error(err))
		w.fail(ctx, lead, err)
		return
	}

	gate, err := window.Admit(c.Schedule, now)
	if err != nil {
		w.fail(ctx, lead, err)
		return
	}
	if gate.Closed {
		w.fail(ctx, lead, fmt.Errorf("dispatcher: schedule has ended: %w", apperrors.ErrOutOfWindow))
		return
	}
	if !gate.Admit {
		w.deferLead(ctx, *lead, gate.At, events.ReasonWindow)
		return
	}

	loc, _ := c.Schedule.Location()
	ticket, admit, err := e.deps.Governor.TryAdmit(ctx, governor.Request{
		CampaignID:       c.ID,
		ConcurrencyLimit: c.ConcurrencyLimit,
		CallsPerHour:     c.Schedule.CallsPerHour,
		CallsPerDay:      c.Schedule.CallsPerDay,
		Location:         loc,
	})
	if err != nil {
		span.RecordError(err)
		w.storeError(ctx, *lead, fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err))
		return
	}
	if !admit.Admitted {
		w.deferLead(ctx, *lead, now.Add(admit.Delay), events.ReasonRate)
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			_ = ticket.Release(context.WithoutCancel(ctx))
		}
	}
	defer release()

	number, err := e.deps.Pool.Allocate(ctx, now, c.PhoneNumberIDs)
	if err != nil {
		release()
		if errors.Is(err, apperrors.ErrResourceExhausted) {
			at, open, werr := window.NextOpening(c.Schedule, e.deps.Pool.NextReset(now))
			if werr != nil || !open {
				at = e.deps.Pool.NextReset(now)
			}
			w.deferLead(ctx, *lead, at, events.ReasonExhausted)
			return
		}
		if errors.Is(err, apperrors.ErrValidation) {
			span.RecordError(err)
			w.halt(ctx, *lead, err)
			return
		}
		span.RecordError(err)
		w.storeError(ctx, *lead, err)
		return
	}

	calling := *lead
	calling.Status = domain.LeadStatusCalling
	calling.CallAttempts++
	calling.LastCallAt = &now
	calling.NextEligibleAt = nil
	calling.UpdatedAt = now
	swapped, err := e.deps.Leads.CompareAndSwap(ctx, calling, lead.Status, lead.CallAttempts)
	if err != nil {
		release()
		span.RecordError(err)
		w.storeError(ctx, *lead, err)
		return
	}
	if !swapped {
		// Changed underneath us; look again on the next pass.
		release()
		w.requeue(ctx, *lead, now.Add(e.cfg.PollInterval))
		return
	}

	job := domain.CallJob{
		LeadID:        lead.ID,
		CampaignID:    c.ID,
		PhoneNumberID: number.ID,
		AssistantID:   c.AssistantID,
		CustomerPhone: lead.Phone,
		AttemptNumber: calling.CallAttempts,
		ScheduledAt:   now,
	}
	span.SetAttributes(attribute.Int("attempt", job.AttemptNumber), attribute.String("phone_number.id", number.ID))
	w.publish(ctx, events.Event{
		Kind:          events.KindDispatched,
		CampaignID:    c.ID,
		LeadID:        lead.ID,
		Attempt:       job.AttemptNumber,
		PhoneNumberID: number.ID,
		OccurredAt:    now,
	})

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	result := voice.Place(callCtx, e.deps.Provider, job, e.cfg.ProviderPollInterval)
	cancel()
	release()

	if result.Err != nil {
		span.RecordError(result.Err)
	}
	// The outcome must be recorded even when shutdown interrupted the call.
	w.complete(context.WithoutCancel(ctx), job, result)
	if result.Outcome == domain.OutcomeProviderFailed {
		span.SetStatus(codes.Error, "provider failed")
	}
}

// complete applies the retry policy and emits the outcome.
func (w *worker) complete(ctx context.Context, job domain.CallJob, result domain.CallResult) {
	e := w.engine
	decision, err := e.deps.Retry.OnOutcome(ctx, w.campaign.RetryPolicy, job, result)
	if err != nil {
		w.log.Error("apply outcome", zap.String("lead_id", job.LeadID.String()), zap.Error(err))
		e.deps.Campaigns.RecordError(ctx, job.CampaignID, err)
		// The lead stays in calling; the next pass recovers it.
		_ = e.deps.Queue.ReenqueueDelayed(ctx, domain.Lead{ID: job.LeadID, CampaignID: job.CampaignID}, e.now().Add(e.cfg.StoreErrorDelay))
		return
	}
	if decision.Duplicate {
		return
	}

	evt := events.Event{
		ID:             uuid.New(),
		Kind:           events.KindOutcome,
		CampaignID:     job.CampaignID,
		LeadID:         job.LeadID,
		Attempt:        job.AttemptNumber,
		PhoneNumberID:  job.PhoneNumberID,
		ProviderCallID: result.ProviderCallID,
		Outcome:        result.Outcome,
		LeadStatus:     decision.Status,
		Terminal:       decision.Terminal,
		Cost:           result.Cost,
		DurationMs:     result.Duration.Milliseconds(),
		OccurredAt:     e.now(),
	}
	if !decision.Terminal {
		at := decision.RetryAt
		evt.NextAttempt = &at
	}
	if result.Err != nil {
		evt.Error = result.Err.Error()
	}
	w.publish(ctx, evt)

	if e.deps.Attempts != nil {
		if err := e.deps.Attempts.AppendAttempt(ctx, evt.AttemptRecord()); err != nil {
			w.log.Warn("append attempt", zap.String("lead_id", job.LeadID.String()), zap.Error(err))
		}
	}
}

// recoverInterrupted settles an attempt whose outcome was never recorded,
// either because a previous process died mid-call or a store write failed.
func (w *worker) recoverInterrupted(ctx context.Context, lead *domain.Lead) {
	e := w.engine
	now := e.now()
	if lead.LastCallAt != nil {
		if settle := lead.LastCallAt.Add(e.cfg.CallTimeout); settle.After(now) {
			w.requeue(ctx, *lead, settle)
			return
		}
	}
	job := domain.CallJob{
		LeadID:        lead.ID,
		CampaignID:    lead.CampaignID,
		CustomerPhone: lead.Phone,
		AssistantID:   w.campaign.AssistantID,
		AttemptNumber: lead.CallAttempts,
	}
	w.log.Warn("settling interrupted attempt", zap.String("lead_id", lead.ID.String()), zap.Int("attempt", lead.CallAttempts))
	w.complete(ctx, job, domain.CallResult{
		Outcome: domain.OutcomeProviderFailed,
		Err:     fmt.Errorf("dispatcher: attempt interrupted: %w", apperrors.ErrProvider),
	})
}

// fail marks the lead failed without an attempt.
func (w *worker) fail(ctx context.Context, lead *domain.Lead, cause error) {
	e := w.engine
	failed := *lead
	failed.Status = domain.LeadStatusFailed
	failed.NextEligibleAt = nil
	failed.LastError = cause.Error()
	failed.UpdatedAt = e.now()
	if _, err := e.deps.Leads.CompareAndSwap(ctx, failed, lead.Status, lead.CallAttempts); err != nil {
		w.storeError(ctx, *lead, err)
		return
	}
	_ = e.deps.Queue.Done(ctx, failed)
}

func (w *worker) deferLead(ctx context.Context, lead domain.Lead, at time.Time, reason string) {
	w.requeue(ctx, lead, at)
	w.publish(ctx, events.Event{
		Kind:        events.KindDeferred,
		CampaignID:  lead.CampaignID,
		LeadID:      lead.ID,
		Reason:      reason,
		NextAttempt: &at,
		OccurredAt:  w.engine.now(),
	})
}

func (w *worker) requeue(ctx context.Context, lead domain.Lead, at time.Time) {
	if err := w.engine.deps.Queue.ReenqueueDelayed(ctx, lead, at); err != nil {
		w.log.Error("reenqueue lead", zap.String("lead_id", lead.ID.String()), zap.Error(err))
		w.engine.deps.Campaigns.RecordError(ctx, lead.CampaignID, err)
	}
}

// halt pauses the campaign on a configuration error no retry can fix. The
// lead stays queued for when an operator resumes the campaign.
func (w *worker) halt(ctx context.Context, lead domain.Lead, cause error) {
	e := w.engine
	w.log.Error("campaign misconfigured, pausing", zap.Error(cause))
	e.deps.Campaigns.RecordError(ctx, lead.CampaignID, cause)
	w.deferLead(ctx, lead, e.now(), events.ReasonConfig)
	if _, err := e.deps.Campaigns.Pause(ctx, lead.CampaignID); err != nil && ctx.Err() == nil {
		w.log.Error("pause misconfigured campaign", zap.Error(err))
	}
}

// storeError surfaces the failure on the campaign and retries the lead later.
func (w *worker) storeError(ctx context.Context, lead domain.Lead, cause error) {
	e := w.engine
	w.log.Error("store error", zap.String("lead_id", lead.ID.String()), zap.Error(cause))
	e.deps.Campaigns.RecordError(ctx, lead.CampaignID, cause)
	w.deferLead(ctx, lead, e.now().Add(e.cfg.StoreErrorDelay), events.ReasonStore)
}

func (w *worker) publish(ctx context.Context, evt events.Event) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if err := w.engine.deps.Publisher.Publish(ctx, evt); err != nil && ctx.Err() == nil {
		w.log.Warn("publish event", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

func validate(c *domain.Campaign, lead *domain.Lead) error {
	if !e164.MatchString(lead.Phone) {
		return fmt.Errorf("dispatcher: phone %q is not E.164: %w", lead.Phone, apperrors.ErrValidation)
	}
	if c.AssistantID == "" {
		return fmt.Errorf("dispatcher: campaign has no assistant: %w", apperrors.ErrValidation)
	}
	return nil
}
