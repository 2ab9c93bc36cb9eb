package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// CampaignRepository persists campaigns in PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a CampaignRepository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, status, assistant_id, phone_number_ids, concurrency_limit,
	start_date, end_date, start_minute, end_minute, time_zone, working_days,
	calls_per_day, calls_per_hour, retry_enabled, retry_max, retry_delay, retry_delay_unit,
	retry_on_no_answer, retry_on_busy, retry_on_voicemail, retry_on_failed,
	last_error, created_at, updated_at, started_at, completed_at`

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	rec, err := newCampaignRecord(campaign)
	if err != nil {
		return err
	}
	query := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :status, :assistant_id, :phone_number_ids, :concurrency_limit,
		:start_date, :end_date, :start_minute, :end_minute, :time_zone, :working_days,
		:calls_per_day, :calls_per_hour, :retry_enabled, :retry_max, :retry_delay, :retry_delay_unit,
		:retry_on_no_answer, :retry_on_busy, :retry_on_voicemail, :retry_on_failed,
		:last_error, :created_at, :updated_at, :started_at, :completed_at)`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// Get retrieves a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	var rec campaignRecord
	if err := r.db.QueryRowxContext(ctx, query, id).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return rec.toDomain()
}

// UpdateStatus moves the campaign from one status to another when the stored
// status still equals from.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) (bool, error) {
	var swapped bool
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaigns SET
			status = $3,
			updated_at = $4,
			started_at = CASE WHEN $3 = 'active' THEN COALESCE(started_at, $4) ELSE started_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
			WHERE id = $1 AND status = $2`, id, string(from), string(to), at)
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update campaign status rows: %w", err)
		}
		if rows > 0 {
			swapped = true
			return nil
		}
		var exists bool
		if err := tx.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check campaign: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return nil
	})
	return swapped, err
}

// SetLastError records the most recent operational error on the campaign.
func (r *CampaignRepository) SetLastError(ctx context.Context, id uuid.UUID, message string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET last_error = $2, updated_at = NOW() WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("set campaign error: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByStatus lists campaigns in the given status. A limit of zero means no limit.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.db.QueryxContext(ctx, query, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		var rec campaignRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return campaigns, nil
}

type campaignRecord struct {
	ID               uuid.UUID    `db:"id"`
	Name             string       `db:"name"`
	Status           string       `db:"status"`
	AssistantID      string       `db:"assistant_id"`
	PhoneNumberIDs   []byte       `db:"phone_number_ids"`
	ConcurrencyLimit int          `db:"concurrency_limit"`
	StartDate        sql.NullTime `db:"start_date"`
	EndDate          sql.NullTime `db:"end_date"`
	StartMinute      int          `db:"start_minute"`
	EndMinute        int          `db:"end_minute"`
	TimeZone         string       `db:"time_zone"`
	WorkingDays      []byte       `db:"working_days"`
	CallsPerDay      int          `db:"calls_per_day"`
	CallsPerHour     int          `db:"calls_per_hour"`
	RetryEnabled     bool         `db:"retry_enabled"`
	RetryMax         int          `db:"retry_max"`
	RetryDelay       int          `db:"retry_delay"`
	RetryDelayUnit   string       `db:"retry_delay_unit"`
	RetryOnNoAnswer  bool         `db:"retry_on_no_answer"`
	RetryOnBusy      bool         `db:"retry_on_busy"`
	RetryOnVoicemail bool         `db:"retry_on_voicemail"`
	RetryOnFailed    bool         `db:"retry_on_failed"`
	LastError        string       `db:"last_error"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
}

func newCampaignRecord(c *domain.Campaign) (campaignRecord, error) {
	ids := c.PhoneNumberIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return campaignRecord{}, fmt.Errorf("encode phone numbers: %w", err)
	}
	days := make([]int, 0, len(c.Schedule.WorkingDays))
	for _, d := range c.Schedule.WorkingDays {
		days = append(days, int(d))
	}
	daysJSON, err := json.Marshal(days)
	if err != nil {
		return campaignRecord{}, fmt.Errorf("encode working days: %w", err)
	}

	rec := campaignRecord{
		ID:               c.ID,
		Name:             c.Name,
		Status:           string(c.Status),
		AssistantID:      c.AssistantID,
		PhoneNumberIDs:   idsJSON,
		ConcurrencyLimit: c.ConcurrencyLimit,
		StartMinute:      int(c.Schedule.StartTime),
		EndMinute:        int(c.Schedule.EndTime),
		TimeZone:         c.Schedule.TimeZone,
		WorkingDays:      daysJSON,
		CallsPerDay:      c.Schedule.CallsPerDay,
		CallsPerHour:     c.Schedule.CallsPerHour,
		RetryEnabled:     c.RetryPolicy.Enabled,
		RetryMax:         c.RetryPolicy.MaxRetries,
		RetryDelay:       c.RetryPolicy.RetryDelay,
		RetryDelayUnit:   string(c.RetryPolicy.RetryDelayUnit),
		RetryOnNoAnswer:  c.RetryPolicy.RetryOnNoAnswer,
		RetryOnBusy:      c.RetryPolicy.RetryOnBusy,
		RetryOnVoicemail: c.RetryPolicy.RetryOnVoicemail,
		RetryOnFailed:    c.RetryPolicy.RetryOnFailed,
		LastError:        c.LastError,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		StartedAt:        nullTime(c.StartedAt),
		CompletedAt:      nullTime(c.CompletedAt),
	}
	if !c.Schedule.StartDate.IsZero() {
		rec.StartDate = sql.NullTime{Time: c.Schedule.StartDate, Valid: true}
	}
	rec.EndDate = nullTime(c.Schedule.EndDate)
	return rec, nil
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	var ids []string
	if len(r.PhoneNumberIDs) > 0 {
		if err := json.Unmarshal(r.PhoneNumberIDs, &ids); err != nil {
			return nil, fmt.Errorf("decode phone numbers: %w", err)
		}
	}
	var days []int
	if len(r.WorkingDays) > 0 {
		if err := json.Unmarshal(r.WorkingDays, &days); err != nil {
			return nil, fmt.Errorf("decode working days: %w", err)
		}
	}
	weekdays := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		weekdays = append(weekdays, time.Weekday(d))
	}
	if len(ids) == 0 {
		ids = nil
	}
	if len(weekdays) == 0 {
		weekdays = nil
	}

	c := &domain.Campaign{
		ID:               r.ID,
		Name:             r.Name,
		Status:           domain.CampaignStatus(r.Status),
		ConcurrencyLimit: r.ConcurrencyLimit,
		AssistantID:      r.AssistantID,
		PhoneNumberIDs:   ids,
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        timePtr(r.StartedAt),
		CompletedAt:      timePtr(r.CompletedAt),
		Schedule: domain.Schedule{
			EndDate:      timePtr(r.EndDate),
			StartTime:    domain.ClockTime(r.StartMinute),
			EndTime:      domain.ClockTime(r.EndMinute),
			TimeZone:     r.TimeZone,
			WorkingDays:  weekdays,
			CallsPerDay:  r.CallsPerDay,
			CallsPerHour: r.CallsPerHour,
		},
		RetryPolicy: domain.RetryPolicy{
			Enabled:          r.RetryEnabled,
			MaxRetries:       r.RetryMax,
			RetryDelay:       r.RetryDelay,
			RetryDelayUnit:   domain.RetryDelayUnit(r.RetryDelayUnit),
			RetryOnNoAnswer:  r.RetryOnNoAnswer,
			RetryOnBusy:      r.RetryOnBusy,
			RetryOnVoicemail: r.RetryOnVoicemail,
			RetryOnFailed:    r.RetryOnFailed,
		},
	}
	if r.StartDate.Valid {
		c.Schedule.StartDate = r.StartDate.Time
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
