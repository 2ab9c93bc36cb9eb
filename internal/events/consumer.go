package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/pkg/logger"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one decoded event.
type Handler func(ctx context.Context, evt Event) error

// Consumer reads outcome events and hands them to a handler.
type Consumer struct {
	reader  MessageReader
	handler Handler
	log     *logger.Logger
}

// NewConsumer constructs a consumer.
func NewConsumer(reader MessageReader, handler Handler, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{reader: reader, handler: handler, log: log}
}

// Run processes events until the context is cancelled. Malformed messages are
// committed and skipped. Handler failures are logged and the message is left
// uncommitted so the group redelivers it after a rebalance.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	tracer := otel.Tracer("outbound.statusworker")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("outcome consumer: fetch", zap.Error(err))
			continue
		}

		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			c.log.Error("outcome consumer: unmarshal", zap.Error(err))
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "call.outcome", trace.WithAttributes(
			attribute.String("lead.id", evt.LeadID.String()),
			attribute.String("campaign.id", evt.CampaignID.String()),
			attribute.Int("attempt", evt.Attempt),
		))
		if err := c.handler(sctx, evt); err != nil {
			span.RecordError(err)
			span.End()
			c.log.Error("outcome consumer: handle",
				zap.String("lead_id", evt.LeadID.String()),
				zap.Int("attempt", evt.Attempt),
				zap.Error(err),
			)
			continue
		}
		if err := c.reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			c.log.Error("outcome consumer: commit", zap.Error(err))
		}
		span.End()
	}
}
