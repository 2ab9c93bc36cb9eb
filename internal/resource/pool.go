// Package resource owns the originating phone numbers and their daily quotas.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

const dateLayout = "2006-01-02"

// UsageRecorder persists counter changes so they survive restarts.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, number domain.PhoneNumber) error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLocation sets the time zone that defines a calendar day for the counters.
func WithLocation(loc *time.Location) Option {
	return func(p *Pool) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithRecorder persists usage after every allocation.
func WithRecorder(r UsageRecorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithLogger sets the pool logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// Pool allocates phone numbers round-robin under per-number daily caps.
type Pool struct {
	mu      sync.Mutex
	numbers []domain.PhoneNumber
	index   map[string]int
	next    int

	loc      *time.Location
	recorder UsageRecorder
	log      *logger.Logger
}

// NewPool builds a pool over the given numbers.
func NewPool(numbers []domain.PhoneNumber, opts ...Option) (*Pool, error) {
	if len(numbers) == 0 {
		return nil, fmt.Errorf("resource pool: %w", apperrors.ErrNoPhoneNumbers)
	}

	p := &Pool{
		numbers: make([]domain.PhoneNumber, len(numbers)),
		index:   make(map[string]int, len(numbers)),
		loc:     time.UTC,
		log:     logger.Nop(),
	}
	copy(p.numbers, numbers)
	for i, n := range p.numbers {
		if n.ID == "" {
			return nil, fmt.Errorf("resource pool: number %q has no id: %w", n.Number, apperrors.ErrValidation)
		}
		if _, dup := p.index[n.ID]; dup {
			return nil, fmt.Errorf("resource pool: duplicate number id %q: %w", n.ID, apperrors.ErrValidation)
		}
		if n.DailyCap < 0 {
			return nil, fmt.Errorf("resource pool: number %q has negative cap: %w", n.ID, apperrors.ErrValidation)
		}
		p.index[n.ID] = i
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Allocate takes one unit of daily quota from the next available number.
// allowed restricts the rotation to the given number ids; empty means every number.
// When none of the allowed ids is in the pool the error wraps ErrValidation,
// not ErrResourceExhausted: no calendar day will make a number available.
func (p *Pool) Allocate(ctx context.Context, now time.Time, allowed []string) (domain.PhoneNumber, error) {
	today := now.In(p.loc).Format(dateLayout)
	filter := idSet(allowed)

	p.mu.Lock()
	var (
		picked    domain.PhoneNumber
		found     bool
		candidate bool
	)
	size := len(p.numbers)
	for i := 0; i < size; i++ {
		idx := (p.next + i) % size
		n := &p.numbers[idx]
		if filter != nil {
			if _, ok := filter[n.ID]; !ok {
				continue
			}
		}
		candidate = true
		if n.LastResetDate != today {
			n.DailyCallCount = 0
			n.LastResetDate = today
		}
		if n.DailyCallCount < n.DailyCap {
			n.DailyCallCount++
			p.next = (idx + 1) % size
			picked = *n
			found = true
			break
		}
	}
	p.mu.Unlock()

	if !candidate {
		return domain.PhoneNumber{}, fmt.Errorf("resource pool: none of the designated numbers %v is configured: %w", allowed, apperrors.ErrValidation)
	}
	if !found {
		return domain.PhoneNumber{}, fmt.Errorf("resource pool: %w", apperrors.ErrResourceExhausted)
	}

	if p.recorder != nil {
		if err := p.recorder.RecordUsage(ctx, picked); err != nil {
			p.log.Warn("resource pool: record usage", zap.String("phone_number_id", picked.ID), zap.Error(err))
		}
	}
	return picked, nil
}

// Usage returns a snapshot of every number as of now. Stale counters read as zero.
func (p *Pool) Usage(now time.Time) []domain.PhoneNumber {
	today := now.In(p.loc).Format(dateLayout)

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.PhoneNumber, len(p.numbers))
	copy(out, p.numbers)
	for i := range out {
		if out[i].LastResetDate != today {
			out[i].DailyCallCount = 0
		}
	}
	return out
}

// Remaining returns the unused quota today across the allowed numbers.
func (p *Pool) Remaining(now time.Time, allowed []string) int {
	filter := idSet(allowed)
	total := 0
	for _, n := range p.Usage(now) {
		if filter != nil {
			if _, ok := filter[n.ID]; !ok {
				continue
			}
		}
		total += n.DailyCap - n.DailyCallCount
	}
	return total
}

// NextReset returns the first instant of the next calendar day.
func (p *Pool) NextReset(now time.Time) time.Time {
	y, m, d := now.In(p.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, p.loc)
}

// Has reports whether the pool contains the number id.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[id]
	return ok
}

func idSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
