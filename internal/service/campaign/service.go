package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/internal/window"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

const (
	enqueueBatchSize = 500
	maxStatusRetries = 3
)

// Activator ensures workers are running for an active campaign.
type Activator interface {
	Ensure(ctx context.Context, campaignID uuid.UUID)
}

// NumberDirectory reports which originating numbers exist.
type NumberDirectory interface {
	Has(id string) bool
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo               repository.CampaignRepository
	leads              repository.LeadRepository
	statsRepo          repository.CampaignStatisticsRepository
	queue              queue.LeadQueue
	board              *Board
	activator          Activator
	numbers            NumberDirectory
	log                *logger.Logger
	defaultConcurrency int
	now                func() time.Time

	// locks serialises lead imports against completion per campaign.
	locks sync.Map
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	leads repository.LeadRepository,
	stats repository.CampaignStatisticsRepository,
	q queue.LeadQueue,
	board *Board,
	log *logger.Logger,
	defaultConcurrency int,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if defaultConcurrency <= 0 {
		defaultConcurrency = 1
	}
	return &Service{
		repo:               repo,
		leads:              leads,
		statsRepo:          stats,
		queue:              q,
		board:              board,
		log:                log,
		defaultConcurrency: defaultConcurrency,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// SetActivator registers the worker pool owner. It is set after construction
// because the dispatcher depends on the service.
func (s *Service) SetActivator(a Activator) {
	s.activator = a
}

// WithNumbers checks designated phone numbers against dir on create and
// activation.
func (s *Service) WithNumbers(dir NumberDirectory) *Service {
	s.numbers = dir
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Board exposes the status board workers poll.
func (s *Service) Board() *Board {
	return s.board
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name             string
	Schedule         domain.Schedule
	RetryPolicy      domain.RetryPolicy
	ConcurrencyLimit int
	AssistantID      string
	PhoneNumberIDs   []string
	Leads            []string
}

// Create provisions a new draft campaign with its leads.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if err := s.checkNumbers(input.PhoneNumberIDs); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		Name:             input.Name,
		Status:           domain.CampaignStatusDraft,
		Schedule:         input.Schedule,
		RetryPolicy:      normalizeRetry(input.RetryPolicy),
		ConcurrencyLimit: s.resolveConcurrency(input.ConcurrencyLimit),
		AssistantID:      input.AssistantID,
		PhoneNumberIDs:   input.PhoneNumberIDs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.statsRepo.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}
	if _, err := s.ImportLeads(ctx, campaign.ID, input.Leads); err != nil {
		return nil, err
	}
	s.board.Set(campaign.ID, campaign.Status)
	return campaign, nil
}

// Get fetches a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: get: %w", err)
	}
	return campaign, nil
}

// Start activates a draft campaign. Starting an active, paused or completed
// campaign returns it unchanged.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.apply(ctx, id, EventStart)
}

// Pause stops new dequeues. In-flight calls run to completion.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.apply(ctx, id, EventPause)
}

// Resume re-activates a paused campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.apply(ctx, id, EventResume)
}

// Complete marks an active campaign completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.apply(ctx, id, EventComplete)
}

// TryComplete completes the campaign once nothing is waiting, delayed or in flight.
func (s *Service) TryComplete(ctx context.Context, id uuid.UUID) (bool, error) {
	if !s.board.Active(id) {
		return false, nil
	}
	unlock := s.lock(id)
	defer unlock()

	stats, err := s.queue.Stats(ctx, id, s.now())
	if err != nil {
		return false, fmt.Errorf("campaign service: queue stats: %w", err)
	}
	if !stats.Empty() {
		return false, nil
	}
	counts, err := s.leads.CountByStatus(ctx, id)
	if err != nil {
		return false, fmt.Errorf("campaign service: count leads: %w", err)
	}
	if counts[domain.LeadStatusNew]+counts[domain.LeadStatusQueued] > 0 {
		// Imported but not yet queued.
		return false, nil
	}

	campaign, err := s.apply(ctx, id, EventComplete)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return campaign.Status == domain.CampaignStatusCompleted, nil
}

// Progress summarises lead outcomes for one campaign.
type Progress struct {
	Total        int
	Completed    int
	Failed       int
	RetryPending int
}

// Progress counts settled leads. Completed includes callback requests; failed
// counts unsuccessful leads with no retry left.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (Progress, error) {
	counts, err := s.leads.CountByStatus(ctx, id)
	if err != nil {
		return Progress{}, fmt.Errorf("campaign service: count leads: %w", err)
	}
	pending, err := s.leads.CountRetryPending(ctx, id)
	if err != nil {
		return Progress{}, fmt.Errorf("campaign service: count retries: %w", err)
	}

	var p Progress
	for status, n := range counts {
		p.Total += n
		switch status {
		case domain.LeadStatusCompleted, domain.LeadStatusCallbackRequested:
			p.Completed += n
		case domain.LeadStatusNoAnswer, domain.LeadStatusBusy, domain.LeadStatusVoicemail, domain.LeadStatusFailed:
			p.Failed += n
		}
	}
	p.RetryPending = pending
	p.Failed -= pending
	return p, nil
}

// Stats retrieves aggregated statistics.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	stats, err := s.statsRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RecordError stores a campaign-level error for operators.
func (s *Service) RecordError(ctx context.Context, id uuid.UUID, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.repo.SetLastError(ctx, id, msg); err != nil {
		s.log.Error("campaign service: record error", zap.String("campaign_id", id.String()), zap.Error(err))
	}
}

// ImportLeads appends leads. Leads of an active campaign are queued immediately.
func (s *Service) ImportLeads(ctx context.Context, id uuid.UUID, phones []string) (int, error) {
	if len(phones) == 0 {
		return 0, nil
	}
	unlock := s.lock(id)
	defer unlock()

	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("campaign service: get: %w", err)
	}
	if campaign.Status == domain.CampaignStatusCompleted {
		return 0, fmt.Errorf("campaign service: import into completed campaign: %w", apperrors.ErrCampaignNotActive)
	}

	now := s.now()
	leads := make([]domain.Lead, 0, len(phones))
	for _, p := range phones {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		leads = append(leads, domain.Lead{
			ID:         uuid.New(),
			CampaignID: id,
			Phone:      p,
			Status:     domain.LeadStatusNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := s.leads.BulkInsert(ctx, leads); err != nil {
		return 0, fmt.Errorf("campaign service: insert leads: %w", err)
	}

	if campaign.Status == domain.CampaignStatusActive {
		if err := s.enqueue(ctx, id, leads); err != nil {
			return len(leads), err
		}
	}
	return len(leads), nil
}

// Requeue loads every dispatchable lead of the campaign into the queue. It is
// safe to call repeatedly.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (int, error) {
	var (
		after *uuid.UUID
		total int
	)
	for {
		batch, err := s.leads.ListDispatchable(ctx, id, after, enqueueBatchSize)
		if err != nil {
			return total, fmt.Errorf("campaign service: list leads: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := s.enqueue(ctx, id, batch); err != nil {
			return total, err
		}
		total += len(batch)
		last := batch[len(batch)-1].ID
		after = &last
		if len(batch) < enqueueBatchSize {
			return total, nil
		}
	}
}

func (s *Service) enqueue(ctx context.Context, id uuid.UUID, leads []domain.Lead) error {
	now := s.now()
	fresh := make([]uuid.UUID, 0, len(leads))
	for _, lead := range leads {
		if lead.NextEligibleAt != nil && lead.NextEligibleAt.After(now) {
			if err := s.queue.ReenqueueDelayed(ctx, lead, *lead.NextEligibleAt); err != nil {
				return fmt.Errorf("campaign service: delay lead: %w", err)
			}
			continue
		}
		if _, err := s.queue.Enqueue(ctx, lead); err != nil {
			return fmt.Errorf("campaign service: enqueue lead: %w", err)
		}
		if lead.Status == domain.LeadStatusNew {
			fresh = append(fresh, lead.ID)
		}
	}
	if err := s.leads.MarkQueued(ctx, id, fresh, now); err != nil {
		return fmt.Errorf("campaign service: mark queued: %w", err)
	}
	return nil
}

// Sync loads active and paused campaigns onto the board and returns the active ones.
func (s *Service) Sync(ctx context.Context) ([]*domain.Campaign, error) {
	paused, err := s.repo.ListByStatus(ctx, domain.CampaignStatusPaused, 0)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list paused: %w", err)
	}
	for _, c := range paused {
		s.board.Set(c.ID, c.Status)
	}
	active, err := s.repo.ListByStatus(ctx, domain.CampaignStatusActive, 0)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list active: %w", err)
	}
	for _, c := range active {
		s.board.Set(c.ID, c.Status)
	}
	return active, nil
}

// Refresh reloads one campaign's status onto the board.
func (s *Service) Refresh(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("campaign service: refresh: %w", err)
	}
	s.board.Set(id, campaign.Status)
	return campaign.Status, nil
}

func (s *Service) apply(ctx context.Context, id uuid.UUID, event Event) (*domain.Campaign, error) {
	for i := 0; i < maxStatusRetries; i++ {
		campaign, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("campaign service: get: %w", err)
		}

		to, changed, err := Transition(campaign.Status, event)
		if err != nil {
			s.board.Set(id, campaign.Status)
			return campaign, err
		}

		if changed {
			if to == domain.CampaignStatusActive {
				if err := window.Validate(campaign.Schedule); err != nil {
					return campaign, err
				}
				if err := s.checkNumbers(campaign.PhoneNumberIDs); err != nil {
					s.RecordError(ctx, id, err)
					return campaign, err
				}
			}
			ok, err := s.repo.UpdateStatus(ctx, id, campaign.Status, to, s.now())
			if err != nil {
				return nil, fmt.Errorf("campaign service: update status: %w", err)
			}
			if !ok {
				// Lost a race with another transition; re-read and re-evaluate.
				continue
			}
			s.log.Info("campaign status changed",
				zap.String("campaign_id", id.String()),
				zap.String("from", string(campaign.Status)),
				zap.String("to", string(to)),
				zap.String("event", string(event)),
			)
			campaign.Status = to
		}
		s.board.Set(id, campaign.Status)

		if campaign.Status == domain.CampaignStatusActive && (event == EventStart || event == EventResume) {
			if _, err := s.Requeue(ctx, id); err != nil {
				s.RecordError(ctx, id, err)
				return campaign, err
			}
			if s.activator != nil {
				s.activator.Ensure(ctx, id)
			}
		}
		return campaign, nil
	}
	return nil, fmt.Errorf("campaign service: %s %s: %w", event, id, apperrors.ErrConflict)
}

// checkNumbers rejects designated numbers the pool does not know.
func (s *Service) checkNumbers(ids []string) error {
	if s.numbers == nil {
		return nil
	}
	var unknown []string
	for _, id := range ids {
		if !s.numbers.Has(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown phone numbers %s", apperrors.ErrValidation, strings.Join(unknown, ", "))
	}
	return nil
}

func (s *Service) lock(id uuid.UUID) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.defaultConcurrency
	}
	return value
}

func normalizeRetry(policy domain.RetryPolicy) domain.RetryPolicy {
	if policy.RetryDelayUnit == "" {
		policy.RetryDelayUnit = domain.RetryDelayHours
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = 1
	}
	return policy
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: concurrency limit must not be negative", apperrors.ErrValidation)
	}
	if input.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", apperrors.ErrValidation)
	}
	switch input.RetryPolicy.RetryDelayUnit {
	case "", domain.RetryDelayHours, domain.RetryDelayDays:
	default:
		return fmt.Errorf("%w: unknown retry delay unit %q", apperrors.ErrValidation, input.RetryPolicy.RetryDelayUnit)
	}
	if input.Schedule.CallsPerDay < 0 || input.Schedule.CallsPerHour < 0 {
		return fmt.Errorf("%w: call limits must not be negative", apperrors.ErrValidation)
	}
	return window.Validate(input.Schedule)
}
