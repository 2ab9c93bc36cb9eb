package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attempts_by_lead (
		lead_id text,
		attempt_number int,
		attempt_id text,
		campaign_id text,
		phone_number_id text,
		provider_call_id text,
		outcome text,
		lead_status text,
		error text,
		cost double,
		duration_ms bigint,
		created_at timestamp,
		PRIMARY KEY (lead_id, attempt_number)
	) WITH CLUSTERING ORDER BY (attempt_number DESC)`,
	`CREATE TABLE IF NOT EXISTS attempts_by_campaign (
		campaign_id text,
		bucket timestamp,
		created_at timestamp,
		attempt_id text,
		lead_id text,
		attempt_number int,
		outcome text,
		cost double,
		PRIMARY KEY ((campaign_id, bucket), created_at, attempt_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, attempt_id ASC)`,
}

// AttemptStore is the append-only call attempt log.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// InitSchema creates the attempt tables in the session keyspace.
func (s *AttemptStore) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("attempt store: init schema: %w", err)
		}
	}
	return nil
}

// AppendAttempt writes the attempt to both lookup tables.
func (s *AttemptStore) AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	durationMs := int64(attempt.Duration / time.Millisecond)

	if err := s.session.Query(`INSERT INTO attempts_by_lead (lead_id, attempt_number, attempt_id, campaign_id, phone_number_id,
		provider_call_id, outcome, lead_status, error, cost, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.LeadID.String(), attempt.AttemptNum, attempt.ID.String(), attempt.CampaignID.String(), attempt.PhoneNumberID,
		attempt.ProviderCallID, string(attempt.Outcome), string(attempt.LeadStatus), attempt.Error, attempt.Cost, durationMs, attempt.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_lead: %w", err)
	}

	if err := s.session.Query(`INSERT INTO attempts_by_campaign (campaign_id, bucket, created_at, attempt_id, lead_id, attempt_number, outcome, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), bucketDate(attempt.CreatedAt), attempt.CreatedAt, attempt.ID.String(),
		attempt.LeadID.String(), attempt.AttemptNum, string(attempt.Outcome), attempt.Cost,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_campaign: %w", err)
	}
	return nil
}

// ListAttemptsByLead returns the lead's attempts, newest first.
func (s *AttemptStore) ListAttemptsByLead(ctx context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT attempt_number, attempt_id, campaign_id, phone_number_id, provider_call_id,
		outcome, lead_status, error, cost, duration_ms, created_at
		FROM attempts_by_lead WHERE lead_id = ? LIMIT ?`, leadID.String(), limit).WithContext(ctx).Iter()

	var (
		attempts      []domain.CallAttempt
		attemptNum    int
		idStr         string
		campaignIDStr string
		phoneNumberID string
		providerID    string
		outcome       string
		leadStatus    string
		errText       string
		cost          float64
		durationMs    int64
		created       time.Time
	)

	for iter.Scan(&attemptNum, &idStr, &campaignIDStr, &phoneNumberID, &providerID, &outcome, &leadStatus, &errText, &cost, &durationMs, &created) {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.CallAttempt{
			ID:             id,
			CampaignID:     campaignID,
			LeadID:         leadID,
			AttemptNum:     attemptNum,
			PhoneNumberID:  phoneNumberID,
			ProviderCallID: providerID,
			Outcome:        domain.Outcome(outcome),
			LeadStatus:     domain.LeadStatus(leadStatus),
			Error:          errText,
			Cost:           cost,
			Duration:       time.Duration(durationMs) * time.Millisecond,
			CreatedAt:      created,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return attempts, nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
