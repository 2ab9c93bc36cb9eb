package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes outcome events to the outcome topic. Dispatched
// and deferred events stay in process.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher constructs a publisher for the given topic.
func NewKafkaPublisher(k *Kafka, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: k.NewWriter(topic)}
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.Kind != KindOutcome {
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   evt.LeadID[:],
		Value: value,
		Time:  evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
