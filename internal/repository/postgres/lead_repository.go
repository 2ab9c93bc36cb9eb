package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// LeadRepository persists campaign leads.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs the repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

const leadColumns = `id, campaign_id, phone, status, call_attempts, last_call_at, next_eligible_at, last_error, created_at, updated_at`

// BulkInsert inserts a batch of leads, skipping ids that already exist.
func (r *LeadRepository) BulkInsert(ctx context.Context, leads []domain.Lead) error {
	if len(leads) == 0 {
		return nil
	}

	query := `INSERT INTO leads (` + leadColumns + `)
	VALUES (:id, :campaign_id, :phone, :status, :call_attempts, :last_call_at, :next_eligible_at, :last_error, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(leads))
	for _, l := range leads {
		rows = append(rows, map[string]any{
			"id":               l.ID,
			"campaign_id":      l.CampaignID,
			"phone":            l.Phone,
			"status":           string(l.Status),
			"call_attempts":    l.CallAttempts,
			"last_call_at":     nullTime(l.LastCallAt),
			"next_eligible_at": nullTime(l.NextEligibleAt),
			"last_error":       l.LastError,
			"created_at":       l.CreatedAt,
			"updated_at":       l.UpdatedAt,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("leads: bulk insert: %w", err)
	}
	return nil
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var rec leadRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("leads: get: %w", err)
	}
	l := rec.toDomain()
	return &l, nil
}

// ListDispatchable pages through leads that belong in the queue, ordered by id.
func (r *LeadRepository) ListDispatchable(ctx context.Context, campaignID uuid.UUID, afterID *uuid.UUID, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 500
	}
	var after any
	if afterID != nil {
		after = *afterID
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+leadColumns+`
		FROM leads
		WHERE campaign_id = $1
		  AND (status IN ('new', 'queued')
		       OR (status IN ('no_answer', 'busy', 'voicemail', 'failed') AND next_eligible_at IS NOT NULL))
		  AND ($2::uuid IS NULL OR id > $2::uuid)
		ORDER BY id ASC
		LIMIT $3`, campaignID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("leads: list dispatchable: %w", err)
	}
	defer rows.Close()

	var results []domain.Lead
	for rows.Next() {
		var rec leadRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("leads: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leads: iterate: %w", err)
	}
	return results, nil
}

// CompareAndSwap writes lead when the stored status and attempt count still match.
func (r *LeadRepository) CompareAndSwap(ctx context.Context, lead domain.Lead, expectStatus domain.LeadStatus, expectAttempts int) (bool, error) {
	var swapped bool
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE leads SET
			status = $2, call_attempts = $3, last_call_at = $4, next_eligible_at = $5, last_error = $6, updated_at = $7
			WHERE id = $1 AND status = $8 AND call_attempts = $9`,
			lead.ID, string(lead.Status), lead.CallAttempts, nullTime(lead.LastCallAt), nullTime(lead.NextEligibleAt),
			lead.LastError, lead.UpdatedAt, string(expectStatus), expectAttempts)
		if err != nil {
			return fmt.Errorf("leads: compare and swap: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("leads: compare and swap rows: %w", err)
		}
		if rows > 0 {
			swapped = true
			return nil
		}
		var exists bool
		if err := tx.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, lead.ID).Scan(&exists); err != nil {
			return fmt.Errorf("leads: check: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return nil
	})
	return swapped, err
}

// MarkQueued moves new leads to queued.
func (r *LeadRepository) MarkQueued(ctx context.Context, campaignID uuid.UUID, leadIDs []uuid.UUID, at time.Time) error {
	if len(leadIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(leadIDs))
	for _, id := range leadIDs {
		ids = append(ids, id.String())
	}

	_, err := r.db.ExecContext(ctx, `UPDATE leads SET status = 'queued', updated_at = $2
		WHERE campaign_id = $1 AND status = 'new' AND id = ANY($3::uuid[])`, campaignID, at, ids)
	if err != nil {
		return fmt.Errorf("leads: mark queued: %w", err)
	}
	return nil
}

// CountByStatus tallies the campaign's leads.
func (r *LeadRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM leads WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("leads: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.LeadStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("leads: scan count: %w", err)
		}
		out[domain.LeadStatus(status)] = count
	}
	return out, rows.Err()
}

// CountRetryPending counts unsuccessful leads that still have a retry scheduled.
func (r *LeadRepository) CountRetryPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM leads
		WHERE campaign_id = $1 AND status IN ('no_answer', 'busy', 'voicemail', 'failed') AND next_eligible_at IS NOT NULL`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("leads: count retry pending: %w", err)
	}
	return n, nil
}

type leadRecord struct {
	ID             uuid.UUID    `db:"id"`
	CampaignID     uuid.UUID    `db:"campaign_id"`
	Phone          string       `db:"phone"`
	Status         string       `db:"status"`
	CallAttempts   int          `db:"call_attempts"`
	LastCallAt     sql.NullTime `db:"last_call_at"`
	NextEligibleAt sql.NullTime `db:"next_eligible_at"`
	LastError      string       `db:"last_error"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r leadRecord) toDomain() domain.Lead {
	return domain.Lead{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		Phone:          r.Phone,
		Status:         domain.LeadStatus(r.Status),
		CallAttempts:   r.CallAttempts,
		LastCallAt:     timePtr(r.LastCallAt),
		NextEligibleAt: timePtr(r.NextEligibleAt),
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
