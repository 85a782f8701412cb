package mock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/telephony"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Ingestor receives the simulated outcome event; in production wiring it
// is the Kafka event publisher.
type Ingestor interface {
	Ingest(ctx context.Context, event domain.ProviderEvent) error
}

// Provider simulates the voice provider for test calls and local runs.
// PlaceCall succeeds immediately and a deterministic completed event is
// delivered through the ingestor after a fixed delay, mirroring the real
// provider's asynchronous webhook contract.
type Provider struct {
	ingestor Ingestor
	delay    time.Duration
	duration int
	logger   *logger.Logger
}

// NewProvider constructs a simulated provider.
func NewProvider(ingestor Ingestor, delay time.Duration, lg *logger.Logger) *Provider {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Provider{
		ingestor: ingestor,
		delay:    delay,
		duration: 30,
		logger:   lg,
	}
}

// PlaceCall accepts the call and schedules its completion event.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) error {
	go func() {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		<-timer.C

		event := domain.ProviderEvent{
			CorrelationID: req.CorrelationID,
			Status:        string(domain.CallStatusCompleted),
			Duration:      p.duration,
			OccurredAt:    time.Now().UTC(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.ingestor.Ingest(ctx, event); err != nil {
			p.logger.Error("mock provider: deliver completion event",
				zap.String("correlation_id", req.CorrelationID), zap.Error(err))
		}
	}()
	return nil
}
