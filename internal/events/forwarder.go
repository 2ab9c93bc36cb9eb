package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

const defaultForwardTimeout = 5 * time.Second

// AttemptAppender takes attempt records the outcome topic did not accept.
type AttemptAppender interface {
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
}

// Forwarder ships outcome events from the bus to an external sink on its own
// goroutine. When the sink rejects an outcome the attempt record goes to the
// fallback store instead.
type Forwarder struct {
	events   <-chan Event
	cancel   func()
	sink     Publisher
	fallback AttemptAppender
	timeout  time.Duration
	log      *logger.Logger
}

// NewForwarder subscribes to bus immediately. fallback may be nil when the
// attempt log is written elsewhere.
func NewForwarder(bus *Bus, sink Publisher, fallback AttemptAppender, buffer int, timeout time.Duration, log *logger.Logger) *Forwarder {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	ch, cancel := bus.Subscribe(buffer)
	return &Forwarder{
		events:   ch,
		cancel:   cancel,
		sink:     sink,
		fallback: fallback,
		timeout:  timeout,
		log:      log,
	}
}

// Run forwards until ctx is done or the bus closes. Buffered events are
// forwarded before it returns.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.cancel()
	for {
		select {
		case <-ctx.Done():
			f.drain(context.WithoutCancel(ctx))
			return nil
		case evt, ok := <-f.events:
			if !ok {
				return nil
			}
			f.forward(ctx, evt)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	for {
		select {
		case evt, ok := <-f.events:
			if !ok {
				return
			}
			f.forward(ctx, evt)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, evt Event) {
	if evt.Kind != KindOutcome {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	err := f.sink.Publish(writeCtx, evt)
	cancel()
	if err == nil {
		return
	}

	log := f.log.With(
		zap.String("campaign_id", evt.CampaignID.String()),
		zap.String("lead_id", evt.LeadID.String()),
		zap.Int("attempt", evt.Attempt),
	)
	if f.fallback == nil {
		log.Warn("events: forward outcome", zap.Error(err))
		return
	}
	log.Warn("events: forward outcome, writing attempt log directly", zap.Error(err))
	if err := f.fallback.AppendAttempt(context.WithoutCancel(ctx), evt.AttemptRecord()); err != nil {
		log.Error("events: append attempt", zap.Error(err))
	}
}
