package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT dispatched, completed, failed, retries_scheduled, deferred, cost_total
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var stats domain.CampaignStats
	if err := row.StructScan(&stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically. Missing rows are created.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics AS s
		(campaign_id, dispatched, completed, failed, retries_scheduled, deferred, cost_total, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (campaign_id) DO UPDATE SET
		dispatched = s.dispatched + EXCLUDED.dispatched,
		completed = s.completed + EXCLUDED.completed,
		failed = s.failed + EXCLUDED.failed,
		retries_scheduled = s.retries_scheduled + EXCLUDED.retries_scheduled,
		deferred = s.deferred + EXCLUDED.deferred,
		cost_total = s.cost_total + EXCLUDED.cost_total,
		updated_at = NOW()`,
		campaignID,
		delta.Dispatched,
		delta.Completed,
		delta.Failed,
		delta.RetriesScheduled,
		delta.Deferred,
		delta.Cost,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}
