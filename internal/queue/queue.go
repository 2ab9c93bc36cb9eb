// Package queue holds the per-campaign lead queues the dispatcher pulls from.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// LeadQueue is a FIFO-with-delay queue keyed by campaign.
//
// Enqueue and ReenqueueDelayed are idempotent per lead id: a lead that is already
// waiting or delayed is never queued twice.
type LeadQueue interface {
	// Enqueue appends the lead. It returns false when the lead is already tracked.
	Enqueue(ctx context.Context, lead domain.Lead) (bool, error)
	// Dequeue promotes due delayed leads and pops the campaign's head.
	Dequeue(ctx context.Context, campaignID uuid.UUID, now time.Time) (domain.Lead, bool, error)
	// ReenqueueDelayed hides the lead until at.
	ReenqueueDelayed(ctx context.Context, lead domain.Lead, at time.Time) error
	// Done forgets an in-flight lead after a terminal outcome.
	Done(ctx context.Context, lead domain.Lead) error
	Stats(ctx context.Context, campaignID uuid.UUID, now time.Time) (Stats, error)
}

// Notifier is implemented by queues that can wake idle workers.
type Notifier interface {
	// Signal returns a channel closed on the next enqueue for the campaign.
	Signal(campaignID uuid.UUID) <-chan struct{}
}

// Recoverer is implemented by durable queues that outlive a process.
type Recoverer interface {
	// RecoverInFlight moves leads left in flight by a previous process back to the head.
	RecoverInFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Stats is a point-in-time view of one campaign's queue.
type Stats struct {
	Waiting   int        `json:"waiting"`
	Delayed   int        `json:"delayed"`
	InFlight  int        `json:"in_flight"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

// Empty reports whether nothing is waiting, delayed or in flight.
func (s Stats) Empty() bool {
	return s.Waiting == 0 && s.Delayed == 0 && s.InFlight == 0
}
