// Package metrics folds dispatch events into per-campaign counters.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

const flushTimeout = 5 * time.Second

// Aggregator consumes the event bus and keeps running totals. Totals are
// flushed to the statistics repository as deltas on every refresh tick.
type Aggregator struct {
	events   <-chan events.Event
	cancel   func()
	stats    repository.CampaignStatisticsRepository
	interval time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	totals   map[uuid.UUID]domain.CampaignStats
	pending  map[uuid.UUID]repository.StatsDelta
	inFlight map[attemptKey]struct{}
}

// attemptKey identifies one dispatched call.
type attemptKey struct {
	lead    uuid.UUID
	attempt int
}

// NewAggregator subscribes to bus immediately so no event published after
// construction is missed.
func NewAggregator(bus *events.Bus, stats repository.CampaignStatisticsRepository, interval time.Duration, buffer int, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ch, cancel := bus.Subscribe(buffer)
	return &Aggregator{
		events:   ch,
		cancel:   cancel,
		stats:    stats,
		interval: interval,
		log:      log,
		totals:   make(map[uuid.UUID]domain.CampaignStats),
		pending:  make(map[uuid.UUID]repository.StatsDelta),
		inFlight: make(map[attemptKey]struct{}),
	}
}

// Run folds events until ctx is done or the bus closes, then flushes once more.
func (a *Aggregator) Run(ctx context.Context) error {
	defer a.cancel()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.finalFlush()
			return nil
		case evt, ok := <-a.events:
			if !ok {
				a.finalFlush()
				return nil
			}
			a.Apply(evt)
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

func (a *Aggregator) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	a.Flush(ctx)
}

// Apply folds one event into the counters. The in-flight gauge only counts
// calls whose dispatch this aggregator saw, so outcomes settled for attempts
// of an earlier process leave it untouched.
func (a *Aggregator) Apply(evt events.Event) {
	key := attemptKey{lead: evt.LeadID, attempt: evt.Attempt}
	var d repository.StatsDelta
	switch evt.Kind {
	case events.KindDispatched:
		d.Dispatched = 1
		DispatchedCounter.WithLabelValues(evt.CampaignID.String()).Inc()
		a.mu.Lock()
		if _, seen := a.inFlight[key]; !seen {
			a.inFlight[key] = struct{}{}
			InFlightGauge.Inc()
		}
		a.mu.Unlock()
	case events.KindOutcome:
		a.mu.Lock()
		if _, seen := a.inFlight[key]; seen {
			delete(a.inFlight, key)
			InFlightGauge.Dec()
		}
		a.mu.Unlock()
		OutcomeCounter.WithLabelValues(string(evt.Outcome)).Inc()
		d.Cost = evt.Cost
		CostCounter.Add(evt.Cost)
		switch {
		case evt.Retrying():
			d.RetriesScheduled = 1
			RetryCounter.Inc()
		case evt.Terminal && evt.Outcome == domain.OutcomeAnswered:
			d.Completed = 1
		case evt.Terminal:
			d.Failed = 1
		}
	case events.KindDeferred:
		d.Deferred = 1
		DeferredCounter.WithLabelValues(evt.Reason).Inc()
	default:
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.totals[evt.CampaignID]
	t.Dispatched += d.Dispatched
	t.Completed += d.Completed
	t.Failed += d.Failed
	t.RetriesScheduled += d.RetriesScheduled
	t.Deferred += d.Deferred
	t.CostTotal += d.Cost
	a.totals[evt.CampaignID] = t
	a.pending[evt.CampaignID] = addDelta(a.pending[evt.CampaignID], d)
}

// Snapshot returns the counters observed by this process.
func (a *Aggregator) Snapshot(campaignID uuid.UUID) domain.CampaignStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[campaignID]
}

// Flush writes pending deltas. Failed writes are kept for the next flush.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[uuid.UUID]repository.StatsDelta)
	a.mu.Unlock()

	for id, delta := range pending {
		if delta.IsZero() {
			continue
		}
		if err := a.stats.ApplyDelta(ctx, id, delta); err != nil {
			a.log.Warn("metrics: flush stats", zap.String("campaign_id", id.String()), zap.Error(err))
			a.mu.Lock()
			a.pending[id] = addDelta(a.pending[id], delta)
			a.mu.Unlock()
		}
	}
}

func addDelta(a, b repository.StatsDelta) repository.StatsDelta {
	return repository.StatsDelta{
		Dispatched:       a.Dispatched + b.Dispatched,
		Completed:        a.Completed + b.Completed,
		Failed:           a.Failed + b.Failed,
		RetriesScheduled: a.RetriesScheduled + b.RetriesScheduled,
		Deferred:         a.Deferred + b.Deferred,
		Cost:             a.Cost + b.Cost,
	}
}
