// Package governor bounds call-start throughput and in-flight calls per campaign.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deferral reasons.
const (
	ReasonConcurrency = "concurrency"
	ReasonRate        = "rate"
)

// SlotLimiter is a counting semaphore keyed by campaign.
type SlotLimiter interface {
	// Acquire reserves a slot without blocking.
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
	InFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Window is one fixed-window counter. Key already identifies the bucket.
type Window struct {
	Key     string
	Limit   int
	ResetAt time.Time
}

// WindowLimiter consumes one unit from every window or from none.
type WindowLimiter interface {
	// Take returns false and the reset time of the first full window when any window is exhausted.
	Take(ctx context.Context, now time.Time, windows []Window) (bool, time.Time, error)
}

// Config bounds throughput and backoff.
type Config struct {
	GlobalCallsPerMinute   int
	CampaignCallsPerMinute int
	MinBackoff             time.Duration
	MaxBackoff             time.Duration
}

// Request describes the limits that apply to one admission.
type Request struct {
	CampaignID       uuid.UUID
	ConcurrencyLimit int
	CallsPerHour     int
	CallsPerDay      int
	// Location defines the calendar day for CallsPerDay.
	Location *time.Location
}

// Decision reports whether a call may start now.
type Decision struct {
	Admitted bool
	Delay    time.Duration
	Reason   string
}

// Ticket holds an in-flight slot until released.
type Ticket struct {
	once    sync.Once
	release func(context.Context) error
	err     error
}

// Release frees the slot. Calls after the first are no-ops.
func (t *Ticket) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.once.Do(func() {
		if t.release != nil {
			t.err = t.release(ctx)
		}
	})
	return t.err
}

// Governor combines a slot limiter and rate windows into one admission check.
type Governor struct {
	slots   SlotLimiter
	windows WindowLimiter
	cfg     Config
	now     func() time.Time
}

// New constructs a governor.
func New(slots SlotLimiter, windows WindowLimiter, cfg Config) *Governor {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return &Governor{slots: slots, windows: windows, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// TryAdmit never blocks. On admission the caller must Release the ticket.
func (g *Governor) TryAdmit(ctx context.Context, req Request) (*Ticket, Decision, error) {
	ok, err := g.slots.Acquire(ctx, req.CampaignID, req.ConcurrencyLimit)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("governor: acquire slot: %w", err)
	}
	if !ok {
		return nil, Decision{Delay: g.cfg.MinBackoff, Reason: ReasonConcurrency}, nil
	}

	campaignID := req.CampaignID
	ticket := &Ticket{release: func(ctx context.Context) error {
		return g.slots.Release(ctx, campaignID)
	}}

	now := g.now()
	windows := g.windowsFor(req, now)
	if len(windows) == 0 {
		return ticket, Decision{Admitted: true}, nil
	}

	taken, resetAt, err := g.windows.Take(ctx, now, windows)
	if err != nil {
		_ = ticket.Release(ctx)
		return nil, Decision{}, fmt.Errorf("governor: take rate: %w", err)
	}
	if !taken {
		_ = ticket.Release(ctx)
		return nil, Decision{Delay: g.clamp(resetAt.Sub(now)), Reason: ReasonRate}, nil
	}
	return ticket, Decision{Admitted: true}, nil
}

// InFlight reports the number of held slots for the campaign.
func (g *Governor) InFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return g.slots.InFlight(ctx, campaignID)
}

func (g *Governor) windowsFor(req Request, now time.Time) []Window {
	var out []Window
	minute := now.UTC().Truncate(time.Minute)
	if g.cfg.GlobalCallsPerMinute > 0 {
		out = append(out, Window{
			Key:     fmt.Sprintf("outbound:rate:global:m:%d", minute.Unix()),
			Limit:   g.cfg.GlobalCallsPerMinute,
			ResetAt: minute.Add(time.Minute),
		})
	}
	if g.cfg.CampaignCallsPerMinute > 0 {
		out = append(out, Window{
			Key:     fmt.Sprintf("outbound:rate:%s:m:%d", req.CampaignID, minute.Unix()),
			Limit:   g.cfg.CampaignCallsPerMinute,
			ResetAt: minute.Add(time.Minute),
		})
	}
	if req.CallsPerHour > 0 {
		hour := now.UTC().Truncate(time.Hour)
		out = append(out, Window{
			Key:     fmt.Sprintf("outbound:rate:%s:h:%d", req.CampaignID, hour.Unix()),
			Limit:   req.CallsPerHour,
			ResetAt: hour.Add(time.Hour),
		})
	}
	if req.CallsPerDay > 0 {
		loc := req.Location
		if loc == nil {
			loc = time.UTC
		}
		y, m, d := now.In(loc).Date()
		out = append(out, Window{
			Key:     fmt.Sprintf("outbound:rate:%s:d:%04d%02d%02d", req.CampaignID, y, m, d),
			Limit:   req.CallsPerDay,
			ResetAt: time.Date(y, m, d+1, 0, 0, 0, 0, loc),
		})
	}
	return out
}

func (g *Governor) clamp(d time.Duration) time.Duration {
	if d < g.cfg.MinBackoff {
		return g.cfg.MinBackoff
	}
	if d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}
