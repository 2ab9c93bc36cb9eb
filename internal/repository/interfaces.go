package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// UpdateStatus moves the campaign from one status to another. It returns
	// false when the stored status no longer matches from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) (bool, error)
	SetLastError(ctx context.Context, id uuid.UUID, message string) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// LeadRepository stores campaign leads.
type LeadRepository interface {
	BulkInsert(ctx context.Context, leads []domain.Lead) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	// ListDispatchable pages through leads that belong in the queue, ordered by id.
	ListDispatchable(ctx context.Context, campaignID uuid.UUID, afterID *uuid.UUID, limit int) ([]domain.Lead, error)
	// CompareAndSwap writes lead only when the stored status and attempt count still
	// match the expected values. It returns false when another writer got there first.
	CompareAndSwap(ctx context.Context, lead domain.Lead, expectStatus domain.LeadStatus, expectAttempts int) (bool, error)
	// MarkQueued moves new leads to queued once they are in the lead queue.
	MarkQueued(ctx context.Context, campaignID uuid.UUID, leadIDs []uuid.UUID, at time.Time) error
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int, error)
	// CountRetryPending counts unsuccessful leads that still have a retry scheduled.
	CountRetryPending(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// PhoneNumberRepository loads the resource pool and persists its counters.
type PhoneNumberRepository interface {
	List(ctx context.Context) ([]domain.PhoneNumber, error)
	RecordUsage(ctx context.Context, number domain.PhoneNumber) error
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// AttemptStore is the append-only log of call attempts.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
	ListAttemptsByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	Dispatched       int64
	Completed        int64
	Failed           int64
	RetriesScheduled int64
	Deferred         int64
	Cost             float64
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}
