package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// PhoneNumberRepository serves a fixed set of numbers.
type PhoneNumberRepository struct {
	mu      sync.Mutex
	numbers map[string]domain.PhoneNumber
	order   []string
}

// NewPhoneNumberRepository seeds the repository.
func NewPhoneNumberRepository(numbers []domain.PhoneNumber) *PhoneNumberRepository {
	r := &PhoneNumberRepository{numbers: make(map[string]domain.PhoneNumber, len(numbers))}
	for _, n := range numbers {
		r.numbers[n.ID] = n
		r.order = append(r.order, n.ID)
	}
	return r
}

// List returns numbers in seed order.
func (r *PhoneNumberRepository) List(context.Context) ([]domain.PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PhoneNumber, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.numbers[id])
	}
	return out, nil
}

// RecordUsage stores the latest counter values.
func (r *PhoneNumberRepository) RecordUsage(_ context.Context, number domain.PhoneNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.numbers[number.ID]; !ok {
		return repository.ErrNotFound
	}
	r.numbers[number.ID] = number
	return nil
}

// StatisticsRepository keeps counters in memory.
type StatisticsRepository struct {
	mu    sync.Mutex
	stats map[uuid.UUID]domain.CampaignStats
}

// NewStatisticsRepository constructs an empty repository.
func NewStatisticsRepository() *StatisticsRepository {
	return &StatisticsRepository{stats: make(map[uuid.UUID]domain.CampaignStats)}
}

// Ensure creates a zero row.
func (r *StatisticsRepository) Ensure(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stats[campaignID]; !ok {
		r.stats[campaignID] = domain.CampaignStats{}
	}
	return nil
}

// Get returns the counters.
func (r *StatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

// ApplyDelta adds the delta to the counters.
func (r *StatisticsRepository) ApplyDelta(_ context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[campaignID]
	s.Dispatched += delta.Dispatched
	s.Completed += delta.Completed
	s.Failed += delta.Failed
	s.RetriesScheduled += delta.RetriesScheduled
	s.Deferred += delta.Deferred
	s.CostTotal += delta.Cost
	r.stats[campaignID] = s
	return nil
}

// AttemptStore keeps attempts in memory.
type AttemptStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID][]domain.CallAttempt
}

// NewAttemptStore constructs an empty store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[uuid.UUID][]domain.CallAttempt)}
}

// AppendAttempt appends one attempt. A second write for the same lead and
// attempt number replaces the first.
func (s *AttemptStore) AppendAttempt(_ context.Context, attempt domain.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.attempts[attempt.LeadID]
	for i := range list {
		if list[i].AttemptNum == attempt.AttemptNum {
			list[i] = attempt
			return nil
		}
	}
	s.attempts[attempt.LeadID] = append(list, attempt)
	return nil
}

// ListAttemptsByLead returns the newest attempts first.
func (s *AttemptStore) ListAttemptsByLead(_ context.Context, leadID uuid.UUID, limit int) ([]domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.CallAttempt(nil), s.attempts[leadID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNum > out[j].AttemptNum })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
