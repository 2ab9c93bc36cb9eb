package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// LeadRepository implements repository.LeadRepository in memory.
type LeadRepository struct {
	mu    sync.RWMutex
	leads map[uuid.UUID]domain.Lead
}

// NewLeadRepository constructs an empty repository.
func NewLeadRepository() *LeadRepository {
	return &LeadRepository{leads: make(map[uuid.UUID]domain.Lead)}
}

// BulkInsert adds leads, ignoring ids that already exist.
func (r *LeadRepository) BulkInsert(_ context.Context, leads []domain.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range leads {
		if _, ok := r.leads[l.ID]; ok {
			continue
		}
		r.leads[l.ID] = l
	}
	return nil
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

// ListDispatchable pages through queueable leads ordered by id.
func (r *LeadRepository) ListDispatchable(_ context.Context, campaignID uuid.UUID, afterID *uuid.UUID, limit int) ([]domain.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Lead
	for _, l := range r.leads {
		if l.CampaignID != campaignID || !l.Dispatchable() {
			continue
		}
		if afterID != nil && bytes.Compare(l.ID[:], afterID[:]) <= 0 {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompareAndSwap writes lead when status and attempts still match.
func (r *LeadRepository) CompareAndSwap(_ context.Context, lead domain.Lead, expectStatus domain.LeadStatus, expectAttempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.leads[lead.ID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if cur.Status != expectStatus || cur.CallAttempts != expectAttempts {
		return false, nil
	}
	r.leads[lead.ID] = lead
	return true, nil
}

// MarkQueued moves new leads to queued.
func (r *LeadRepository) MarkQueued(_ context.Context, campaignID uuid.UUID, leadIDs []uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range leadIDs {
		l, ok := r.leads[id]
		if !ok || l.CampaignID != campaignID || l.Status != domain.LeadStatusNew {
			continue
		}
		l.Status = domain.LeadStatusQueued
		l.UpdatedAt = at
		r.leads[id] = l
	}
	return nil
}

// CountByStatus tallies the campaign's leads.
func (r *LeadRepository) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.LeadStatus]int)
	for _, l := range r.leads {
		if l.CampaignID == campaignID {
			out[l.Status]++
		}
	}
	return out, nil
}

// CountRetryPending counts unsuccessful leads awaiting a retry.
func (r *LeadRepository) CountRetryPending(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.leads {
		if l.CampaignID != campaignID || l.NextEligibleAt == nil {
			continue
		}
		switch l.Status {
		case domain.LeadStatusNoAnswer, domain.LeadStatusBusy, domain.LeadStatusVoicemail, domain.LeadStatusFailed:
			n++
		}
	}
	return n, nil
}
