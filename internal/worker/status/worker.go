package status

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/app"
	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/queue"
)

// Worker consumes provider outcome events from Kafka and drives the call
// state machine. Malformed messages are committed and dropped; processing
// failures leave the message uncommitted so it is retried.
type Worker struct {
	container *app.Container
}

// New creates a new status worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes call events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-status"
	reader := w.container.Kafka.NewReader(cfg.Kafka.CallEventTopic, groupID)
	defer reader.Close()

	processor := w.container.Services().Lifecycle
	logger := w.container.Logger
	tracer := otel.Tracer("voicecampaign.statusworker")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var raw queue.CallEventMessage
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			logger.Error("status worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "call.event", trace.WithAttributes(
			attribute.String("call.correlation_id", raw.CorrelationID),
			attribute.String("call.status", raw.Status),
		))

		event := domain.ProviderEvent{
			CorrelationID: raw.CorrelationID,
			Status:        raw.Status,
			Duration:      raw.Duration,
			DTMFDigits:    raw.DTMFDigits,
			OccurredAt:    raw.OccurredAt,
		}

		if err := processor.Process(sctx, event); err != nil {
			span.RecordError(err)
			span.End()
			logger.Error("status worker: process event",
				zap.String("correlation_id", raw.CorrelationID), zap.Error(err))
			continue
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			logger.Error("status worker: commit", zap.Error(err))
		}
		span.End()
	}
}
