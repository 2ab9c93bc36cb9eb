package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// PhoneNumberRepository stores the originating number pool.
type PhoneNumberRepository struct {
	db *sqlx.DB
}

// NewPhoneNumberRepository constructs the repository.
func NewPhoneNumberRepository(db *sqlx.DB) *PhoneNumberRepository {
	return &PhoneNumberRepository{db: db}
}

// List returns every number ordered by id.
func (r *PhoneNumberRepository) List(ctx context.Context) ([]domain.PhoneNumber, error) {
	var numbers []domain.PhoneNumber
	err := r.db.SelectContext(ctx, &numbers, `SELECT id, number, daily_call_count, daily_cap, last_reset_date
		FROM phone_numbers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("phone numbers: list: %w", err)
	}
	return numbers, nil
}

// RecordUsage writes the counter state of a number, inserting it when absent.
func (r *PhoneNumberRepository) RecordUsage(ctx context.Context, number domain.PhoneNumber) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO phone_numbers (id, number, daily_call_count, daily_cap, last_reset_date)
		VALUES (:id, :number, :daily_call_count, :daily_cap, :last_reset_date)
		ON CONFLICT (id) DO UPDATE SET
			daily_call_count = EXCLUDED.daily_call_count,
			last_reset_date = EXCLUDED.last_reset_date`, number)
	if err != nil {
		return fmt.Errorf("phone numbers: record usage: %w", err)
	}
	return nil
}

// Seed upserts configured numbers without touching their counters.
func (r *PhoneNumberRepository) Seed(ctx context.Context, numbers []domain.PhoneNumber) error {
	if len(numbers) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, n := range numbers {
			_, err := tx.NamedExecContext(ctx, `INSERT INTO phone_numbers (id, number, daily_call_count, daily_cap, last_reset_date)
				VALUES (:id, :number, 0, :daily_cap, '')
				ON CONFLICT (id) DO UPDATE SET number = EXCLUDED.number, daily_cap = EXCLUDED.daily_cap`, n)
			if err != nil {
				return fmt.Errorf("phone numbers: seed %s: %w", n.ID, err)
			}
		}
		return nil
	})
}
