// Package status feeds the call attempt log from the outcome topic.
package status

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Worker consumes outcome events and appends them to the attempt log.
type Worker struct {
	consumer *events.Consumer
	store    repository.AttemptStore
	log      *logger.Logger
}

// New creates a new status worker.
func New(reader events.MessageReader, store repository.AttemptStore, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	w := &Worker{store: store, log: log.Named("statusworker")}
	w.consumer = events.NewConsumer(reader, w.Handle, w.log)
	return w
}

// Run processes events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx)
}

// Handle records one outcome. Attempts are keyed by lead and attempt number,
// so redelivered messages overwrite the same row.
func (w *Worker) Handle(ctx context.Context, evt events.Event) error {
	if evt.Kind != events.KindOutcome {
		return nil
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("outcome", string(evt.Outcome)))

	if err := w.store.AppendAttempt(ctx, evt.AttemptRecord()); err != nil {
		return fmt.Errorf("status worker: append attempt: %w", err)
	}
	w.log.WithContext(ctx).Debug("attempt recorded",
		zap.String("campaign_id", evt.CampaignID.String()),
		zap.String("lead_id", evt.LeadID.String()),
		zap.Int("attempt", evt.Attempt),
		zap.String("outcome", string(evt.Outcome)),
	)
	return nil
}
