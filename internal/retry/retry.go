// Package retry decides whether an unsuccessful call is attempted again.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Decision is the result of evaluating an outcome.
type Decision struct {
	Terminal bool
	Status   domain.LeadStatus
	RetryAt  time.Time
	// Duplicate is set when the outcome was stale and nothing changed.
	Duplicate bool
}

// Decide applies the policy to one outcome. lead.CallAttempts already counts
// the attempt that produced the outcome.
func Decide(policy domain.RetryPolicy, lead domain.Lead, result domain.CallResult, now time.Time) Decision {
	if result.Outcome == domain.OutcomeAnswered {
		if result.CallbackRequested {
			return Decision{Terminal: true, Status: domain.LeadStatusCallbackRequested}
		}
		return Decision{Terminal: true, Status: domain.LeadStatusCompleted}
	}

	status := result.Outcome.LeadStatus()
	if !policy.Enabled || lead.CallAttempts >= policy.MaxAttempts() || !policy.RetriesOn(result.Outcome) {
		return Decision{Terminal: true, Status: status}
	}
	return Decision{Status: status, RetryAt: now.Add(policy.Delay())}
}

// Scheduler applies decisions to the store and the queue.
type Scheduler struct {
	leads repository.LeadRepository
	queue queue.LeadQueue
	log   *logger.Logger
	now   func() time.Time
}

// NewScheduler constructs a retry scheduler.
func NewScheduler(leads repository.LeadRepository, q queue.LeadQueue, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{leads: leads, queue: q, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// OnOutcome records the outcome of job. Outcomes for an attempt that is no
// longer current are ignored, so a late duplicate can never add a retry.
func (s *Scheduler) OnOutcome(ctx context.Context, policy domain.RetryPolicy, job domain.CallJob, result domain.CallResult) (Decision, error) {
	lead, err := s.leads.Get(ctx, job.LeadID)
	if err != nil {
		return Decision{}, fmt.Errorf("retry: load lead: %w", err)
	}
	if lead.Status != domain.LeadStatusCalling || lead.CallAttempts != job.AttemptNumber {
		s.log.Info("retry: ignoring stale outcome",
			zap.String("lead_id", lead.ID.String()),
			zap.Int("attempt", job.AttemptNumber),
			zap.Int("stored_attempts", lead.CallAttempts),
			zap.String("stored_status", string(lead.Status)),
		)
		return Decision{Duplicate: true, Status: lead.Status, Terminal: lead.IsTerminal()}, nil
	}

	now := s.now()
	decision := Decide(policy, *lead, result, now)

	updated := *lead
	updated.Status = decision.Status
	updated.UpdatedAt = now
	updated.LastError = ""
	if result.Err != nil {
		updated.LastError = result.Err.Error()
	}
	if decision.Terminal {
		updated.NextEligibleAt = nil
	} else {
		at := decision.RetryAt
		updated.NextEligibleAt = &at
	}

	applied, err := s.leads.CompareAndSwap(ctx, updated, domain.LeadStatusCalling, job.AttemptNumber)
	if err != nil {
		return Decision{}, fmt.Errorf("retry: update lead: %w", err)
	}
	if !applied {
		return Decision{Duplicate: true, Status: lead.Status}, nil
	}

	if decision.Terminal {
		if err := s.queue.Done(ctx, updated); err != nil {
			return decision, fmt.Errorf("retry: release lead: %w", err)
		}
		return decision, nil
	}
	if err := s.queue.ReenqueueDelayed(ctx, updated, decision.RetryAt); err != nil {
		return decision, fmt.Errorf("retry: reenqueue: %w", err)
	}
	return decision, nil
}
