package governor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

type campaignSlots struct {
	sem      *semaphore.Weighted
	limit    int
	inflight int
}

// LocalSlots is an in-process SlotLimiter backed by weighted semaphores.
type LocalSlots struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*campaignSlots
}

// NewLocalSlots constructs an in-process slot limiter.
func NewLocalSlots() *LocalSlots {
	return &LocalSlots{campaigns: make(map[uuid.UUID]*campaignSlots)}
}

// Acquire reserves a slot when fewer than limit are held. limit <= 0 means unbounded.
func (l *LocalSlots) Acquire(_ context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs := l.campaigns[campaignID]
	// A changed limit takes effect once the campaign drains.
	if cs == nil || (cs.limit != limit && cs.inflight == 0) {
		cs = &campaignSlots{limit: limit}
		if limit > 0 {
			cs.sem = semaphore.NewWeighted(int64(limit))
		}
		l.campaigns[campaignID] = cs
	}
	if cs.sem != nil && !cs.sem.TryAcquire(1) {
		return false, nil
	}
	cs.inflight++
	return true, nil
}

// Release frees one slot.
func (l *LocalSlots) Release(_ context.Context, campaignID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs := l.campaigns[campaignID]
	if cs == nil || cs.inflight == 0 {
		return nil
	}
	cs.inflight--
	if cs.sem != nil {
		cs.sem.Release(1)
	}
	return nil
}

// InFlight returns the number of held slots.
func (l *LocalSlots) InFlight(_ context.Context, campaignID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs := l.campaigns[campaignID]; cs != nil {
		return cs.inflight, nil
	}
	return 0, nil
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

// LocalWindows is an in-process WindowLimiter guarded by a single lock.
type LocalWindows struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	sweepAt  time.Time
}

// NewLocalWindows constructs an in-process window limiter.
func NewLocalWindows() *LocalWindows {
	return &LocalWindows{counters: make(map[string]*windowCounter)}
}

// Take consumes one unit from every window, or none when any is full.
func (l *LocalWindows) Take(_ context.Context, now time.Time, windows []Window) (bool, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	for _, w := range windows {
		c := l.counters[w.Key]
		if c != nil && c.count >= w.Limit {
			return false, w.ResetAt, nil
		}
	}
	for _, w := range windows {
		c := l.counters[w.Key]
		if c == nil {
			c = &windowCounter{resetAt: w.ResetAt}
			l.counters[w.Key] = c
		}
		c.count++
	}
	return true, time.Time{}, nil
}

func (l *LocalWindows) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for k, c := range l.counters {
		if !now.Before(c.resetAt) {
			delete(l.counters, k)
		}
	}
	l.sweepAt = now.Add(time.Minute)
}
