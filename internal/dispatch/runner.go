package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/config"
	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/internal/service/billing"
	"github.com/acme/voice-campaign/internal/telephony"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Settler settles the campaign's billable unit once dispatch finishes.
type Settler interface {
	Settle(ctx context.Context, unit billing.Unit) error
}

// TerminalAggregator receives calls that reached a terminal state on the
// dispatch side (final invocation failures that no webhook will follow).
type TerminalAggregator interface {
	OnCallTerminal(ctx context.Context, call *domain.Call) error
}

// Deps bundles everything a campaign runner needs.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Contacts   repository.ContactSource
	Blocklist  repository.Blocklist
	Calls      repository.CallStore
	CallerIDs  repository.CallerIDRepository
	Settings   repository.SettingsStore
	Aggregator TerminalAggregator
	Settler    Settler
	Provider   telephony.Provider
	Logger     *logger.Logger
	Config     config.DispatchConfig
}

// Runner drives one campaign's batch dispatch loop as a background task.
// It owns no HTTP lifecycle: starting a campaign returns immediately and
// the runner works until the contact sequence is exhausted, the campaign
// is paused, or the context is cancelled.
type Runner struct {
	campaign   *domain.Campaign
	rates      domain.RateSnapshot
	deps       Deps
	maxRetries int
}

// NewRunner builds a runner for the campaign with the rates snapshotted
// at start time.
func NewRunner(campaign *domain.Campaign, rates domain.RateSnapshot, deps Deps) *Runner {
	return &Runner{campaign: campaign, rates: rates, deps: deps}
}

type retryEntry struct {
	contact domain.Contact
	attempt int
}

// Run executes the dispatch loop. Progress resumption re-derives the
// next contact from processedContacts plus the campaign's in-flight call
// records, so a restarted process picks up where it left off without
// re-dialing calls that are still ringing.
func (r *Runner) Run(ctx context.Context) error {
	lg := r.deps.Logger.With(zap.String("campaign_id", r.campaign.ID.String()))
	r.maxRetries = r.resolveMaxRetries(ctx)

	callerID, err := r.deps.CallerIDs.Get(ctx, r.campaign.CallerIDID)
	if err != nil {
		return fmt.Errorf("runner: load caller id: %w", err)
	}

	source := repository.NewFilteredContactSource(r.deps.Contacts, r.deps.Blocklist, r.campaign.UserID)
	contacts, err := source.ListContacts(ctx, r.campaign.ContactSourceID)
	if err != nil {
		return fmt.Errorf("runner: list contacts: %w", err)
	}

	inFlight, err := r.deps.Calls.CountInFlight(ctx, r.campaign.ID)
	if err != nil {
		return fmt.Errorf("runner: count in-flight calls: %w", err)
	}

	offset := r.campaign.ProcessedContacts + inFlight
	if offset > len(contacts) {
		offset = len(contacts)
	}
	remaining := contacts[offset:]
	cumulative := r.campaign.DispatchedCalls

	if len(remaining) == 0 {
		// Dispatch is already finished; settle anything a previous run
		// placed but never billed, then finalize when nothing is ringing.
		if cumulative > 0 {
			if err := r.settle(ctx, cumulative); err != nil {
				return err
			}
		}
		if inFlight > 0 {
			lg.Info("runner: all contacts dispatched, awaiting outcomes",
				zap.Int("in_flight", inFlight))
			return nil
		}
		if err := r.deps.Campaigns.MarkCompleted(ctx, r.campaign.ID); err != nil {
			lg.Warn("runner: mark exhausted campaign completed", zap.Error(err))
		}
		return nil
	}

	plan := NewPlan(len(remaining), r.campaign.CallsPerMinute, r.deps.Config.BatchInterval)
	anchor := time.Now().UTC()
	tracer := otel.Tracer("voicecampaign.dispatch")

	var carry []retryEntry

	for i := 0; i < plan.BatchCount() || len(carry) > 0; i++ {
		if err := r.waitUntil(ctx, plan.StartAt(anchor, i)); err != nil {
			return err
		}

		// Batch boundary: re-check the campaign so a pause or failure
		// stops future batches without retracting placed calls.
		current, err := r.deps.Campaigns.Get(ctx, r.campaign.ID)
		if err != nil {
			return fmt.Errorf("runner: reload campaign: %w", err)
		}
		if current.Status != domain.CampaignStatusActive {
			lg.Info("runner: campaign no longer active, stopping",
				zap.String("status", string(current.Status)))
			return nil
		}

		start, end := plan.Bounds(i)
		batch := make([]retryEntry, 0, end-start+len(carry))
		for _, entry := range carry {
			batch = append(batch, entry)
		}
		for _, contact := range remaining[start:end] {
			batch = append(batch, retryEntry{contact: contact})
		}
		carry = carry[:0]

		bctx, span := tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(
			attribute.String("campaign.id", r.campaign.ID.String()),
			attribute.Int("batch.index", i),
			attribute.Int("batch.size", len(batch)),
		))

		ok, retries := r.dispatchBatch(bctx, batch, callerID.PhoneNumber, lg)
		carry = append(carry, retries...)
		span.SetAttributes(attribute.Int("batch.dispatched", ok), attribute.Int("batch.retries", len(retries)))
		span.End()

		if ok > 0 {
			total, err := r.deps.Campaigns.AddDispatched(ctx, r.campaign.ID, ok)
			if err != nil {
				return fmt.Errorf("runner: record dispatched count: %w", err)
			}
			cumulative = total
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if cumulative > 0 {
		if err := r.settle(ctx, cumulative); err != nil {
			return err
		}
	}

	lg.Info("runner: dispatch finished", zap.Int("dispatched", cumulative))
	return nil
}

// settle debits the user for every call the campaign has dispatched so
// far, across all of its runs. The campaign-scoped reference keeps the
// debit exactly-once no matter how many runs reach this point.
func (r *Runner) settle(ctx context.Context, calls int) error {
	unit := billing.Unit{
		UserID:      r.campaign.UserID,
		CampaignID:  &r.campaign.ID,
		Calls:       calls,
		Rates:       r.rates,
		Description: fmt.Sprintf("Campaign: %s", r.campaign.Name),
		Reference:   fmt.Sprintf("campaign:%s", r.campaign.ID),
	}
	if err := r.deps.Settler.Settle(ctx, unit); err != nil {
		return fmt.Errorf("runner: settle: %w", err)
	}
	return nil
}

// dispatchBatch places every call in the batch concurrently with bounded
// parallelism. It returns the number of successful placements and the
// entries to carry into the next batch.
func (r *Runner) dispatchBatch(ctx context.Context, batch []retryEntry, callerNumber string, lg *logger.Logger) (int, []retryEntry) {
	parallel := r.deps.Config.MaxParallelCalls
	if parallel <= 0 {
		parallel = 5
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		dispatched int
		retries    []retryEntry
	)
	sem := make(chan struct{}, parallel)

loop:
	for _, entry := range batch {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(entry retryEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, retry := r.dispatchOne(ctx, entry, callerNumber, lg)
			mu.Lock()
			if ok {
				dispatched++
			}
			if retry != nil {
				retries = append(retries, *retry)
			}
			mu.Unlock()
		}(entry)
	}

	wg.Wait()
	return dispatched, retries
}

// dispatchOne creates the Call record and invokes the provider. Both a
// failed insert and a failed invocation consume one attempt; the contact
// is retried in the next batch until the retry budget runs out, at which
// point the final failed call is handed to the aggregator.
func (r *Runner) dispatchOne(ctx context.Context, entry retryEntry, callerNumber string, lg *logger.Logger) (bool, *retryEntry) {
	now := time.Now().UTC()
	call := &domain.Call{
		ID:            uuid.New(),
		CorrelationID: r.newCorrelationID(),
		CampaignID:    &r.campaign.ID,
		UserID:        r.campaign.UserID,
		CallerIDID:    r.campaign.CallerIDID,
		PhoneNumber:   entry.contact.PhoneNumber,
		ContactName:   entry.contact.Name,
		Status:        domain.CallStatusInitiated,
		RetryCount:    entry.attempt,
		Metadata:      entry.contact.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := r.deps.Calls.CreateCall(ctx, call); err != nil {
		lg.Error("runner: persist call", zap.Error(err), zap.String("phone", call.PhoneNumber))
		r.failCall(call, entry.attempt, err)
		if call.RetryCount < r.maxRetries {
			return false, &retryEntry{contact: entry.contact, attempt: call.RetryCount}
		}

		lg.Error("runner: persisting call failed permanently",
			zap.String("phone", call.PhoneNumber),
			zap.Int("attempts", call.RetryCount))
		// Best effort: leave an audit record of the final failure.
		if persistErr := r.deps.Calls.CreateCall(ctx, call); persistErr != nil {
			lg.Error("runner: record permanent persistence failure", zap.Error(persistErr))
		}
		r.aggregateFailed(ctx, call, lg)
		return false, nil
	}

	req := telephony.CallRequest{
		CorrelationID: call.CorrelationID,
		PhoneNumber:   call.PhoneNumber,
		CallerID:      callerNumber,
		Script:        r.campaign.MessageScript,
		TransferKey:   r.campaign.TransferKey,
	}

	if err := r.deps.Provider.PlaceCall(ctx, req); err != nil {
		r.failCall(call, entry.attempt, err)
		if updateErr := r.deps.Calls.UpdateOutcome(ctx, call); updateErr != nil {
			lg.Error("runner: record invocation failure", zap.Error(updateErr))
		}

		if call.RetryCount < r.maxRetries {
			lg.Warn("runner: invocation failed, re-enqueueing contact",
				zap.String("phone", call.PhoneNumber),
				zap.Int("attempt", call.RetryCount),
				zap.Error(err))
			return false, &retryEntry{contact: entry.contact, attempt: call.RetryCount}
		}

		lg.Error("runner: invocation failed permanently",
			zap.String("phone", call.PhoneNumber),
			zap.Int("attempts", call.RetryCount),
			zap.Error(err))
		r.aggregateFailed(ctx, call, lg)
		return false, nil
	}

	return true, nil
}

// failCall marks one spent attempt. Cost stays zero: the call never ran,
// so there is nothing to attribute to the provider.
func (r *Runner) failCall(call *domain.Call, attempt int, cause error) {
	call.Status = domain.CallStatusFailed
	call.ErrorMessage = cause.Error()
	call.RetryCount = attempt + 1
	end := time.Now().UTC()
	call.EndTime = &end
}

func (r *Runner) aggregateFailed(ctx context.Context, call *domain.Call, lg *logger.Logger) {
	if err := r.deps.Aggregator.OnCallTerminal(ctx, call); err != nil {
		lg.Error("runner: aggregate failed call", zap.Error(err))
	}
}

// resolveMaxRetries reads the operator's retry budget from the settings
// catalog, falling back to configuration.
func (r *Runner) resolveMaxRetries(ctx context.Context) int {
	max := r.deps.Config.MaxRetries
	if r.deps.Settings != nil {
		if raw, err := r.deps.Settings.Get(ctx, repository.SettingMaxRetryAttempts); err == nil {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				max = n
			}
		}
	}
	if max <= 0 {
		max = 3
	}
	return max
}

func (r *Runner) newCorrelationID() string {
	return fmt.Sprintf("%s-%d-%d", r.campaign.ID, time.Now().UnixMilli(), rand.Int63n(1e9))
}

func (r *Runner) waitUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
