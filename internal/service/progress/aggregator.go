package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Aggregator maintains campaign progress counters. Each call is counted
// exactly once, on its first terminal transition: the call store's
// counted CAS is the idempotence guard, and a per-campaign mutex
// serializes writers to the same campaign without blocking others.
type Aggregator struct {
	calls    repository.CallStore
	progress repository.ProgressRepository
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewAggregator builds the aggregator.
func NewAggregator(calls repository.CallStore, progress repository.ProgressRepository, lg *logger.Logger) *Aggregator {
	return &Aggregator{
		calls:    calls,
		progress: progress,
		logger:   lg,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// OnCallTerminal records one call's terminal outcome against its
// campaign. Calls without a campaign (test calls) are ignored. A call
// already counted is silently skipped.
func (a *Aggregator) OnCallTerminal(ctx context.Context, call *domain.Call) error {
	if call.CampaignID == nil {
		return nil
	}
	if !call.Status.Terminal() {
		return fmt.Errorf("progress: call %s is not terminal (%s)", call.ID, call.Status)
	}

	counted, err := a.calls.MarkCounted(ctx, call)
	if err != nil {
		return fmt.Errorf("progress: mark counted: %w", err)
	}
	if !counted {
		a.logger.Debug("progress: call already counted, skipping",
			zap.String("call_id", call.ID.String()),
			zap.String("campaign_id", call.CampaignID.String()))
		return nil
	}

	lock := a.campaignLock(*call.CampaignID)
	lock.Lock()
	defer lock.Unlock()

	result, err := a.progress.IncrementTerminal(ctx, *call.CampaignID, call.Status)
	if err != nil {
		// Release the counted flag so a redelivered event can try again;
		// leaving it set would lose the call from progress forever.
		if unmarkErr := a.calls.UnmarkCounted(ctx, call); unmarkErr != nil {
			a.logger.Error("progress: release counted flag after failed increment",
				zap.String("call_id", call.ID.String()),
				zap.Error(unmarkErr))
		}
		return fmt.Errorf("progress: increment: %w", err)
	}

	if result.CompletedNow {
		a.logger.Info("progress: campaign completed",
			zap.String("campaign_id", call.CampaignID.String()),
			zap.Int("processed", result.Processed),
			zap.Int("total", result.Total))
	}
	return nil
}

func (a *Aggregator) campaignLock(id uuid.UUID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[id] = lock
	}
	return lock
}
