package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Ingestor accepts a provider outcome event for asynchronous processing.
// The webhook handler and the simulated provider both feed one.
type Ingestor interface {
	Ingest(ctx context.Context, event domain.ProviderEvent) error
}

// Aggregator is notified exactly once when a call first reaches a
// terminal state.
type Aggregator interface {
	OnCallTerminal(ctx context.Context, call *domain.Call) error
}

// RateSource supplies the current per-call rates. Call cost is stamped
// when the call reaches a terminal state, not when it is dispatched.
type RateSource interface {
	Rates(ctx context.Context) (domain.RateSnapshot, error)
}

// Processor drives the per-call state machine from provider events.
// Invalid events (unknown correlation ids, repeated terminal reports,
// out-of-order transitions) are logged and discarded, never surfaced.
type Processor struct {
	calls     repository.CallStore
	campaigns repository.CampaignRepository
	rates     RateSource
	agg       Aggregator
	logger    *logger.Logger
}

// NewProcessor builds the processor.
func NewProcessor(calls repository.CallStore, campaigns repository.CampaignRepository, rates RateSource, agg Aggregator, lg *logger.Logger) *Processor {
	return &Processor{calls: calls, campaigns: campaigns, rates: rates, agg: agg, logger: lg}
}

// Process applies one provider event. A nil return means the event was
// either applied or deliberately discarded; errors are infrastructure
// failures worth retrying.
func (p *Processor) Process(ctx context.Context, event domain.ProviderEvent) error {
	call, err := p.calls.GetByCorrelationID(ctx, event.CorrelationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("lifecycle: event for unknown correlation id discarded",
				zap.String("correlation_id", event.CorrelationID),
				zap.String("status", event.Status))
			return nil
		}
		return fmt.Errorf("lifecycle: load call: %w", err)
	}

	next, ok := domain.ParseCallStatus(event.Status)
	if !ok {
		p.logger.Warn("lifecycle: unrecognized provider status discarded",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("status", event.Status))
		return nil
	}

	if call.Status.Terminal() {
		p.logger.Warn("lifecycle: event for terminal call discarded",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("current", string(call.Status)),
			zap.String("reported", string(next)))
		return nil
	}

	if !domain.ValidTransition(call.Status, next) {
		p.logger.Warn("lifecycle: invalid transition discarded",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("from", string(call.Status)),
			zap.String("to", string(next)))
		return nil
	}

	if event.DTMFDigits != "" {
		call.DTMFDigits = event.DTMFDigits
	}

	next, err = p.deriveTransfer(ctx, call, next)
	if err != nil {
		return err
	}

	call.Status = next
	now := time.Now().UTC()
	if next == domain.CallStatusInProgress && call.StartTime == nil {
		call.StartTime = &now
	}
	if next.Terminal() {
		call.EndTime = &now
		if event.Duration > 0 {
			call.Duration = event.Duration
		}
		if call.Cost.IsZero() {
			rates, err := p.rates.Rates(ctx)
			if err != nil {
				return fmt.Errorf("lifecycle: load rates: %w", err)
			}
			call.Cost = rates.Provider
		}
	}

	if err := p.calls.UpdateOutcome(ctx, call); err != nil {
		return fmt.Errorf("lifecycle: persist outcome: %w", err)
	}

	if next.Terminal() {
		if err := p.agg.OnCallTerminal(ctx, call); err != nil {
			return fmt.Errorf("lifecycle: aggregate terminal call: %w", err)
		}
	}
	return nil
}

// deriveTransfer overrides an answered/completed outcome with transferred
// when the collected DTMF digits equal the campaign's transfer key.
func (p *Processor) deriveTransfer(ctx context.Context, call *domain.Call, next domain.CallStatus) (domain.CallStatus, error) {
	if call.DTMFDigits == "" || call.CampaignID == nil {
		return next, nil
	}
	if next != domain.CallStatusAnswered && next != domain.CallStatusCompleted {
		return next, nil
	}

	campaign, err := p.campaigns.Get(ctx, *call.CampaignID)
	if err != nil {
		return next, fmt.Errorf("lifecycle: load campaign for transfer check: %w", err)
	}
	if call.DTMFDigits != campaign.TransferKey {
		return next, nil
	}

	call.TransferredTo = campaign.TransferKey
	return domain.CallStatusTransferred, nil
}
