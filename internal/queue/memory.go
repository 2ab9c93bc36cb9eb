package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

type leadState int

const (
	stateWaiting leadState = iota + 1
	stateDelayed
	stateInFlight
)

type tracked struct {
	campaignID uuid.UUID
	state      leadState
}

type delayedItem struct {
	lead domain.Lead
	at   time.Time
	seq  uint64
}

type delayHeap []delayedItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type campaignQueue struct {
	ready    []domain.Lead
	delayed  delayHeap
	inflight int
	signal   chan struct{}
}

// MemoryQueue is an in-process LeadQueue.
type MemoryQueue struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*campaignQueue
	leads     map[uuid.UUID]tracked
	seq       uint64
}

// NewMemoryQueue constructs an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		campaigns: make(map[uuid.UUID]*campaignQueue),
		leads:     make(map[uuid.UUID]tracked),
	}
}

func (q *MemoryQueue) campaign(id uuid.UUID) *campaignQueue {
	cq := q.campaigns[id]
	if cq == nil {
		cq = &campaignQueue{}
		q.campaigns[id] = cq
	}
	return cq
}

// Enqueue appends the lead to its campaign FIFO.
func (q *MemoryQueue) Enqueue(_ context.Context, lead domain.Lead) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leads[lead.ID]; ok {
		return false, nil
	}
	cq := q.campaign(lead.CampaignID)
	cq.ready = append(cq.ready, lead)
	q.leads[lead.ID] = tracked{campaignID: lead.CampaignID, state: stateWaiting}
	cq.wake()
	return true, nil
}

// Dequeue pops the head after promoting due delayed leads.
func (q *MemoryQueue) Dequeue(_ context.Context, campaignID uuid.UUID, now time.Time) (domain.Lead, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq := q.campaigns[campaignID]
	if cq == nil {
		return domain.Lead{}, false, nil
	}
	for cq.delayed.Len() > 0 && !cq.delayed[0].at.After(now) {
		item := heap.Pop(&cq.delayed).(delayedItem)
		cq.ready = append(cq.ready, item.lead)
		q.leads[item.lead.ID] = tracked{campaignID: campaignID, state: stateWaiting}
	}
	if len(cq.ready) == 0 {
		return domain.Lead{}, false, nil
	}

	lead := cq.ready[0]
	cq.ready[0] = domain.Lead{}
	cq.ready = cq.ready[1:]
	cq.inflight++
	q.leads[lead.ID] = tracked{campaignID: campaignID, state: stateInFlight}
	return lead, true, nil
}

// ReenqueueDelayed parks the lead until at.
func (q *MemoryQueue) ReenqueueDelayed(_ context.Context, lead domain.Lead, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq := q.campaign(lead.CampaignID)
	if t, ok := q.leads[lead.ID]; ok {
		if t.state != stateInFlight {
			return nil
		}
		cq.inflight--
	}
	q.seq++
	heap.Push(&cq.delayed, delayedItem{lead: lead, at: at, seq: q.seq})
	q.leads[lead.ID] = tracked{campaignID: lead.CampaignID, state: stateDelayed}
	cq.wake()
	return nil
}

// Done forgets an in-flight lead.
func (q *MemoryQueue) Done(_ context.Context, lead domain.Lead) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.leads[lead.ID]
	if !ok || t.state != stateInFlight {
		return nil
	}
	delete(q.leads, lead.ID)
	if cq := q.campaigns[t.campaignID]; cq != nil {
		cq.inflight--
	}
	return nil
}

// Stats counts due delayed leads as waiting.
func (q *MemoryQueue) Stats(_ context.Context, campaignID uuid.UUID, now time.Time) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq := q.campaigns[campaignID]
	if cq == nil {
		return Stats{}, nil
	}
	s := Stats{Waiting: len(cq.ready), InFlight: cq.inflight}
	for _, item := range cq.delayed {
		if item.at.After(now) {
			s.Delayed++
		} else {
			s.Waiting++
		}
	}
	if cq.delayed.Len() > 0 {
		next := cq.delayed[0].at
		s.NextDueAt = &next
	}
	return s, nil
}

// Signal returns a channel closed on the next enqueue for the campaign.
func (q *MemoryQueue) Signal(campaignID uuid.UUID) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq := q.campaign(campaignID)
	if cq.signal == nil {
		cq.signal = make(chan struct{})
	}
	return cq.signal
}

func (cq *campaignQueue) wake() {
	if cq.signal != nil {
		close(cq.signal)
		cq.signal = nil
	}
}
