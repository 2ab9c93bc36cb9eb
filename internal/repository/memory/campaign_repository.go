// Package memory holds in-process repository implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository in memory.
type CampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]domain.Campaign
}

// NewCampaignRepository constructs an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]domain.Campaign)}
}

// Create inserts a campaign.
func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = cloneCampaign(*campaign)
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneCampaign(c)
	return &out, nil
}

// UpdateStatus performs a compare-and-set on the status.
func (r *CampaignRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = at
	switch to {
	case domain.CampaignStatusActive:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	case domain.CampaignStatusCompleted:
		c.CompletedAt = &at
	}
	r.campaigns[id] = c
	return true, nil
}

// SetLastError records the most recent campaign-level error.
func (r *CampaignRepository) SetLastError(_ context.Context, id uuid.UUID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.LastError = message
	r.campaigns[id] = c
	return nil
}

// ListByStatus returns campaigns in the given status ordered by update time.
func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != status {
			continue
		}
		cc := cloneCampaign(c)
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	c.PhoneNumberIDs = append([]string(nil), c.PhoneNumberIDs...)
	c.Schedule.WorkingDays = append([]time.Weekday(nil), c.Schedule.WorkingDays...)
	return c
}
