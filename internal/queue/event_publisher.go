package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/voice-campaign/internal/domain"
)

// EventPublisher publishes provider outcome events to the call event
// topic. It satisfies lifecycle.Ingestor. Messages are keyed by
// correlation id so all events for one call land on one partition and the
// state machine sees them in order.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// Ingest writes the event to Kafka.
func (p *EventPublisher) Ingest(ctx context.Context, event domain.ProviderEvent) error {
	msg := CallEventMessage{
		CorrelationID: event.CorrelationID,
		Status:        event.Status,
		Duration:      event.Duration,
		DTMFDigits:    event.DTMFDigits,
		OccurredAt:    event.OccurredAt,
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(event.CorrelationID),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
