package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/config"
	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/internal/service/billing"
	"github.com/acme/voice-campaign/internal/telephony"
	"github.com/acme/voice-campaign/pkg/logger"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	campaign  domain.Campaign
	completed bool
}

func (f *fakeCampaigns) Create(ctx context.Context, c *domain.Campaign) error { return nil }

func (f *fakeCampaigns) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := f.campaign
	return &copy, nil
}

func (f *fakeCampaigns) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaign.Status != from {
		return repository.ErrConflict
	}
	f.campaign.Status = to
	return nil
}

func (f *fakeCampaigns) MarkStarted(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = domain.CampaignStatusActive
	return nil
}

func (f *fakeCampaigns) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = domain.CampaignStatusCompleted
	f.completed = true
	return nil
}

func (f *fakeCampaigns) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaign.Status != status {
		return nil, nil
	}
	copy := f.campaign
	return []*domain.Campaign{&copy}, nil
}

func (f *fakeCampaigns) AddDispatched(ctx context.Context, id uuid.UUID, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.DispatchedCalls += delta
	return f.campaign.DispatchedCalls, nil
}

func (f *fakeCampaigns) setStatus(status domain.CampaignStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
}

func (f *fakeCampaigns) setProcessed(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.ProcessedContacts = n
}

func (f *fakeCampaigns) dispatchedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign.DispatchedCalls
}

type fakeContacts struct {
	contacts []domain.Contact
}

func (f *fakeContacts) ListContacts(ctx context.Context, sourceID uuid.UUID) ([]domain.Contact, error) {
	return f.contacts, nil
}

func (f *fakeContacts) Count(ctx context.Context, sourceID uuid.UUID) (int, error) {
	return len(f.contacts), nil
}

type allowAll struct{}

func (allowAll) Contains(ctx context.Context, userID uuid.UUID, phoneNumber string) (bool, error) {
	return false, nil
}

func (allowAll) ContainsBlockedWords(ctx context.Context, text string) ([]string, error) {
	return nil, nil
}

type fakeCallStore struct {
	mu             sync.Mutex
	created        []*domain.Call
	updated        []*domain.Call
	statuses       map[string]domain.CallStatus
	createErr      error
	createAttempts int
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{statuses: make(map[string]domain.CallStatus)}
}

func (f *fakeCallStore) CreateCall(ctx context.Context, call *domain.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createAttempts++
	if f.createErr != nil {
		return f.createErr
	}
	copy := *call
	f.created = append(f.created, &copy)
	f.statuses[call.CorrelationID] = call.Status
	return nil
}

func (f *fakeCallStore) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.created {
		if call.CorrelationID == correlationID {
			copy := *call
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeCallStore) UpdateOutcome(ctx context.Context, call *domain.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *call
	f.updated = append(f.updated, &copy)
	f.statuses[call.CorrelationID] = call.Status
	return nil
}

func (f *fakeCallStore) MarkCounted(ctx context.Context, call *domain.Call) (bool, error) {
	return true, nil
}

func (f *fakeCallStore) UnmarkCounted(ctx context.Context, call *domain.Call) error {
	return nil
}

func (f *fakeCallStore) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, status := range f.statuses {
		if !status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (f *fakeCallStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// settleAllOutcomes simulates every outstanding webhook landing.
func (f *fakeCallStore) settleAllOutcomes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for corr, status := range f.statuses {
		if !status.Terminal() {
			f.statuses[corr] = domain.CallStatusCompleted
		}
	}
}

type fakeCallerIDs struct {
	callerID domain.CallerID
}

func (f *fakeCallerIDs) Get(ctx context.Context, id uuid.UUID) (*domain.CallerID, error) {
	copy := f.callerID
	return &copy, nil
}

type fakeSettings map[string]string

func (f fakeSettings) Get(ctx context.Context, key string) (string, error) {
	return f[key], nil
}

type recordingAggregator struct {
	mu    sync.Mutex
	calls []*domain.Call
}

func (r *recordingAggregator) OnCallTerminal(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *call
	r.calls = append(r.calls, &copy)
	return nil
}

type recordingSettler struct {
	mu    sync.Mutex
	units []billing.Unit
}

func (r *recordingSettler) Settle(ctx context.Context, unit billing.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, unit)
	return nil
}

// scriptedProvider fails PlaceCall a configured number of times per phone
// number, then succeeds. An optional hook runs after every placement.
type scriptedProvider struct {
	mu       sync.Mutex
	failures map[string]int
	placed   []string
	onPlace  func(req telephony.CallRequest)
}

func (p *scriptedProvider) PlaceCall(ctx context.Context, req telephony.CallRequest) error {
	p.mu.Lock()
	remaining := p.failures[req.PhoneNumber]
	if remaining > 0 {
		p.failures[req.PhoneNumber] = remaining - 1
	} else {
		p.placed = append(p.placed, req.PhoneNumber)
	}
	hook := p.onPlace
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if remaining > 0 {
		return errors.New("provider unavailable")
	}
	return nil
}

func (p *scriptedProvider) placedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

func (p *scriptedProvider) setHook(hook func(req telephony.CallRequest)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPlace = hook
}

func testCampaign(total, perMinute int) domain.Campaign {
	return domain.Campaign{
		ID:             uuid.New(),
		Name:           "spring promo",
		UserID:         uuid.New(),
		CallerIDID:     uuid.New(),
		CallsPerMinute: perMinute,
		Status:         domain.CampaignStatusActive,
		TotalContacts:  total,
		TransferKey:    "1",
	}
}

func testContacts(n int) []domain.Contact {
	contacts := make([]domain.Contact, n)
	for i := range contacts {
		contacts[i] = domain.Contact{PhoneNumber: fmt.Sprintf("+1555000%04d", i)}
	}
	return contacts
}

type runnerFixture struct {
	runner    *Runner
	campaigns *fakeCampaigns
	calls     *fakeCallStore
	agg       *recordingAggregator
	settler   *recordingSettler
	provider  *scriptedProvider
	deps      Deps
}

func newRunnerFixture(campaign domain.Campaign, contacts []domain.Contact, provider *scriptedProvider) *runnerFixture {
	f := &runnerFixture{
		campaigns: &fakeCampaigns{campaign: campaign},
		calls:     newFakeCallStore(),
		agg:       &recordingAggregator{},
		settler:   &recordingSettler{},
		provider:  provider,
	}

	f.deps = Deps{
		Campaigns:  f.campaigns,
		Contacts:   &fakeContacts{contacts: contacts},
		Blocklist:  allowAll{},
		Calls:      f.calls,
		CallerIDs:  &fakeCallerIDs{callerID: domain.CallerID{ID: campaign.CallerIDID, UserID: campaign.UserID, PhoneNumber: "+15550009999", Verified: true, Active: true}},
		Settings:   fakeSettings{},
		Aggregator: f.agg,
		Settler:    f.settler,
		Provider:   provider,
		Logger:     logger.Nop(),
		Config: config.DispatchConfig{
			BatchInterval:    5 * time.Millisecond,
			MaxParallelCalls: 4,
			MaxRetries:       3,
		},
	}

	c := campaign
	f.runner = NewRunner(&c, domain.RateSnapshot{}, f.deps)
	return f
}

// resume builds a second runner over the same stores, the way a restart
// or un-pause would.
func (f *runnerFixture) resume(t *testing.T) *Runner {
	t.Helper()
	campaign, err := f.campaigns.Get(context.Background(), uuid.Nil)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	return NewRunner(campaign, domain.RateSnapshot{}, f.deps)
}

func TestRunnerDispatchesAllContactsAndSettlesOnce(t *testing.T) {
	campaign := testCampaign(5, 2)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(5), provider)

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if got := provider.placedCount(); got != 5 {
		t.Fatalf("expected 5 placed calls, got %d", got)
	}
	if got := f.calls.createdCount(); got != 5 {
		t.Fatalf("expected 5 call records, got %d", got)
	}
	f.calls.mu.Lock()
	for _, call := range f.calls.created {
		if !call.Cost.IsZero() {
			t.Errorf("cost must stay zero until the call reaches a terminal state, got %s", call.Cost)
		}
	}
	f.calls.mu.Unlock()
	if len(f.agg.calls) != 0 {
		t.Fatalf("no call should reach the aggregator from dispatch, got %d", len(f.agg.calls))
	}

	if len(f.settler.units) != 1 {
		t.Fatalf("expected exactly one settlement, got %d", len(f.settler.units))
	}
	unit := f.settler.units[0]
	if unit.Calls != 5 {
		t.Errorf("expected 5 billable calls, got %d", unit.Calls)
	}
	wantRef := fmt.Sprintf("campaign:%s", campaign.ID)
	if unit.Reference != wantRef {
		t.Errorf("expected reference %q, got %q", wantRef, unit.Reference)
	}
}

func TestRunnerStopsFutureBatchesWhenPaused(t *testing.T) {
	campaign := testCampaign(6, 3)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(6), provider)

	// Pause as soon as the first call goes out; the rest of batch one
	// still runs, but batch two must never start.
	provider.onPlace = func(telephony.CallRequest) {
		f.campaigns.setStatus(domain.CampaignStatusPaused)
	}

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if got := provider.placedCount(); got != 3 {
		t.Fatalf("expected only the first batch of 3 to dispatch, got %d", got)
	}
	if len(f.settler.units) != 0 {
		t.Fatalf("a paused run must not settle, got %d settlements", len(f.settler.units))
	}
	if got := f.campaigns.dispatchedCalls(); got != 3 {
		t.Fatalf("dispatched counter must survive the pause, got %d", got)
	}
}

func TestRunnerBillsEveryCallAcrossPauseAndResume(t *testing.T) {
	campaign := testCampaign(6, 3)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(6), provider)

	provider.onPlace = func(telephony.CallRequest) {
		f.campaigns.setStatus(domain.CampaignStatusPaused)
	}
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("paused run: %v", err)
	}
	if len(f.settler.units) != 0 {
		t.Fatalf("paused run must not settle, got %d", len(f.settler.units))
	}

	// Webhooks for the first batch land, then the campaign restarts.
	f.calls.settleAllOutcomes()
	f.campaigns.setProcessed(3)
	f.campaigns.setStatus(domain.CampaignStatusActive)
	provider.setHook(nil)

	if err := f.resume(t).Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	if got := provider.placedCount(); got != 6 {
		t.Fatalf("expected all 6 contacts placed across both runs, got %d", got)
	}
	if len(f.settler.units) != 1 {
		t.Fatalf("expected exactly one settlement, got %d", len(f.settler.units))
	}
	if got := f.settler.units[0].Calls; got != 6 {
		t.Fatalf("settlement must cover both runs, got %d billable calls", got)
	}
}

func TestRunnerResumeSkipsInFlightCalls(t *testing.T) {
	campaign := testCampaign(6, 3)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(6), provider)

	provider.onPlace = func(telephony.CallRequest) {
		f.campaigns.setStatus(domain.CampaignStatusPaused)
	}
	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("paused run: %v", err)
	}

	// Restart before any webhook lands: the three ringing calls must not
	// be dialed again.
	f.campaigns.setStatus(domain.CampaignStatusActive)
	provider.setHook(nil)

	if err := f.resume(t).Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	if got := provider.placedCount(); got != 6 {
		t.Fatalf("expected 6 placements for 6 contacts, got %d", got)
	}
	if got := f.calls.createdCount(); got != 6 {
		t.Fatalf("expected 6 call records for 6 contacts, got %d", got)
	}
}

func TestRunnerRetriesFailedInvocationInNextBatch(t *testing.T) {
	campaign := testCampaign(4, 2)
	contacts := testContacts(4)
	provider := &scriptedProvider{failures: map[string]int{contacts[0].PhoneNumber: 2}}
	f := newRunnerFixture(campaign, contacts, provider)

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if got := provider.placedCount(); got != 4 {
		t.Fatalf("expected all 4 contacts eventually placed, got %d", got)
	}
	if len(f.agg.calls) != 0 {
		t.Fatalf("a recovered contact must not hit the aggregator, got %d", len(f.agg.calls))
	}
	if len(f.settler.units) != 1 || f.settler.units[0].Calls != 4 {
		t.Fatalf("expected one settlement of 4 calls, got %+v", f.settler.units)
	}

	// Each failed attempt leaves its own audit record.
	if got := f.calls.createdCount(); got != 6 {
		t.Fatalf("expected 6 call records (4 contacts + 2 failed attempts), got %d", got)
	}
}

func TestRunnerGivesUpAfterRetryBudget(t *testing.T) {
	campaign := testCampaign(2, 2)
	contacts := testContacts(2)
	provider := &scriptedProvider{failures: map[string]int{contacts[1].PhoneNumber: 10}}
	f := newRunnerFixture(campaign, contacts, provider)

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if len(f.agg.calls) != 1 {
		t.Fatalf("expected exactly one permanently failed call aggregated, got %d", len(f.agg.calls))
	}
	failed := f.agg.calls[0]
	if failed.Status != domain.CallStatusFailed {
		t.Errorf("expected failed status, got %s", failed.Status)
	}
	if failed.RetryCount != 3 {
		t.Errorf("expected retry count to reach the budget of 3, got %d", failed.RetryCount)
	}

	if len(f.settler.units) != 1 || f.settler.units[0].Calls != 1 {
		t.Fatalf("only successfully placed calls are billable, got %+v", f.settler.units)
	}
}

func TestRunnerReadsRetryBudgetFromSettings(t *testing.T) {
	campaign := testCampaign(1, 1)
	contacts := testContacts(1)
	provider := &scriptedProvider{failures: map[string]int{contacts[0].PhoneNumber: 10}}
	f := newRunnerFixture(campaign, contacts, provider)
	f.deps.Settings = fakeSettings{"system.max_retry_attempts": "2"}
	runner := NewRunner(&campaign, domain.RateSnapshot{}, f.deps)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if len(f.agg.calls) != 1 {
		t.Fatalf("expected one aggregated failure, got %d", len(f.agg.calls))
	}
	if got := f.agg.calls[0].RetryCount; got != 2 {
		t.Errorf("expected the settings budget of 2 attempts, got %d", got)
	}
	if got := f.calls.createdCount(); got != 2 {
		t.Errorf("expected 2 attempt records, got %d", got)
	}
}

func TestRunnerBoundsPersistenceFailures(t *testing.T) {
	campaign := testCampaign(1, 1)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(1), provider)
	f.calls.createErr = errors.New("store down")

	done := make(chan error, 1)
	go func() { done <- f.runner.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner must terminate once the retry budget is spent")
	}

	f.calls.mu.Lock()
	attempts := f.calls.createAttempts
	f.calls.mu.Unlock()
	// Three budgeted attempts plus the final audit-record write.
	if attempts > 4 {
		t.Fatalf("expected at most 4 insert attempts, got %d", attempts)
	}
	if len(f.agg.calls) != 1 {
		t.Fatalf("expected the contact aggregated as failed, got %d", len(f.agg.calls))
	}
	if got := f.agg.calls[0].RetryCount; got != 3 {
		t.Errorf("expected the full budget spent, got %d", got)
	}
	if len(f.settler.units) != 0 {
		t.Fatalf("nothing was dispatched, nothing to settle, got %+v", f.settler.units)
	}
}

func TestRunnerWaitsForInFlightWorkOnCancel(t *testing.T) {
	campaign := testCampaign(8, 8)
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(8), provider)

	ctx, cancel := context.WithCancel(context.Background())
	provider.onPlace = func(telephony.CallRequest) { cancel() }
	defer cancel()

	err := f.runner.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation to surface, got %v", err)
	}
	if len(f.settler.units) != 0 {
		t.Fatalf("a cancelled run must not settle, got %d settlements", len(f.settler.units))
	}
}

func TestRunnerCompletesImmediatelyWithNoRemainingContacts(t *testing.T) {
	campaign := testCampaign(3, 2)
	campaign.ProcessedContacts = 3
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(3), provider)

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if !f.campaigns.completed {
		t.Fatal("expected campaign to be marked completed")
	}
	if got := provider.placedCount(); got != 0 {
		t.Fatalf("expected no calls placed, got %d", got)
	}
	if len(f.settler.units) != 0 {
		t.Fatalf("nothing to settle for an exhausted campaign, got %d", len(f.settler.units))
	}
}

func TestRunnerResumesFromProcessedCount(t *testing.T) {
	campaign := testCampaign(5, 5)
	campaign.ProcessedContacts = 3
	campaign.DispatchedCalls = 3
	provider := &scriptedProvider{failures: map[string]int{}}
	f := newRunnerFixture(campaign, testContacts(5), provider)

	if err := f.runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if got := provider.placedCount(); got != 2 {
		t.Fatalf("expected only the 2 unprocessed contacts dialed, got %d", got)
	}
	if len(f.settler.units) != 1 || f.settler.units[0].Calls != 5 {
		t.Fatalf("settlement must cover every dispatched call, got %+v", f.settler.units)
	}
}
