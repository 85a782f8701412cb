package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/pkg/logger"
)

type casCallStore struct {
	mu      sync.Mutex
	counted map[string]bool
}

func (s *casCallStore) CreateCall(ctx context.Context, call *domain.Call) error { return nil }

func (s *casCallStore) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Call, error) {
	return nil, repository.ErrNotFound
}

func (s *casCallStore) UpdateOutcome(ctx context.Context, call *domain.Call) error { return nil }

func (s *casCallStore) MarkCounted(ctx context.Context, call *domain.Call) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counted[call.CorrelationID] {
		return false, nil
	}
	s.counted[call.CorrelationID] = true
	return true, nil
}

func (s *casCallStore) UnmarkCounted(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counted, call.CorrelationID)
	return nil
}

func (s *casCallStore) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return 0, nil
}

// countingProgressRepo simulates the guarded increment: it never exceeds
// the campaign total and reports completion exactly once.
type countingProgressRepo struct {
	mu        sync.Mutex
	total     int
	processed int
	byStatus  map[domain.CallStatus]int
	completed int
	failNext  int
}

func (r *countingProgressRepo) IncrementTerminal(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (repository.ProgressResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return repository.ProgressResult{}, errors.New("increment unavailable")
	}
	if r.processed >= r.total {
		return repository.ProgressResult{Processed: r.processed, Total: r.total}, nil
	}
	r.processed++
	if r.byStatus == nil {
		r.byStatus = make(map[domain.CallStatus]int)
	}
	r.byStatus[status]++

	result := repository.ProgressResult{Processed: r.processed, Total: r.total}
	if r.processed == r.total {
		r.completed++
		result.CompletedNow = true
	}
	return result, nil
}

func terminalCall(campaignID uuid.UUID, correlationID string, status domain.CallStatus) *domain.Call {
	return &domain.Call{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		CampaignID:    &campaignID,
		Status:        status,
	}
}

func TestOnCallTerminalCountsEachCallOnce(t *testing.T) {
	campaignID := uuid.New()
	store := &casCallStore{counted: make(map[string]bool)}
	repo := &countingProgressRepo{total: 3}
	agg := NewAggregator(store, repo, logger.Nop())
	ctx := context.Background()

	call := terminalCall(campaignID, "corr-1", domain.CallStatusCompleted)
	for i := 0; i < 3; i++ {
		if err := agg.OnCallTerminal(ctx, call); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if repo.processed != 1 {
		t.Fatalf("duplicate terminal reports must count once, got %d", repo.processed)
	}
}

func TestOnCallTerminalCompletesCampaignAtTotal(t *testing.T) {
	campaignID := uuid.New()
	store := &casCallStore{counted: make(map[string]bool)}
	repo := &countingProgressRepo{total: 2}
	agg := NewAggregator(store, repo, logger.Nop())
	ctx := context.Background()

	if err := agg.OnCallTerminal(ctx, terminalCall(campaignID, "corr-1", domain.CallStatusBusy)); err != nil {
		t.Fatal(err)
	}
	if repo.completed != 0 {
		t.Fatal("campaign must not complete before every contact is processed")
	}

	if err := agg.OnCallTerminal(ctx, terminalCall(campaignID, "corr-2", domain.CallStatusTransferred)); err != nil {
		t.Fatal(err)
	}
	if repo.completed != 1 {
		t.Fatalf("expected exactly one completion, got %d", repo.completed)
	}
	if repo.byStatus[domain.CallStatusBusy] != 1 || repo.byStatus[domain.CallStatusTransferred] != 1 {
		t.Fatalf("per-status counters off: %+v", repo.byStatus)
	}
}

func TestOnCallTerminalIgnoresTestCalls(t *testing.T) {
	store := &casCallStore{counted: make(map[string]bool)}
	repo := &countingProgressRepo{total: 1}
	agg := NewAggregator(store, repo, logger.Nop())

	call := &domain.Call{
		ID:            uuid.New(),
		CorrelationID: "test-1",
		Status:        domain.CallStatusCompleted,
	}
	if err := agg.OnCallTerminal(context.Background(), call); err != nil {
		t.Fatal(err)
	}
	if repo.processed != 0 {
		t.Fatal("calls without a campaign must not touch progress")
	}
}

func TestOnCallTerminalRejectsNonTerminalCall(t *testing.T) {
	campaignID := uuid.New()
	store := &casCallStore{counted: make(map[string]bool)}
	agg := NewAggregator(store, &countingProgressRepo{total: 1}, logger.Nop())

	call := terminalCall(campaignID, "corr-1", domain.CallStatusInProgress)
	if err := agg.OnCallTerminal(context.Background(), call); err == nil {
		t.Fatal("expected an error for a non-terminal call")
	}
}

func TestOnCallTerminalRetriesAfterIncrementFailure(t *testing.T) {
	campaignID := uuid.New()
	store := &casCallStore{counted: make(map[string]bool)}
	repo := &countingProgressRepo{total: 1, failNext: 1}
	agg := NewAggregator(store, repo, logger.Nop())
	ctx := context.Background()

	call := terminalCall(campaignID, "corr-1", domain.CallStatusCompleted)
	if err := agg.OnCallTerminal(ctx, call); err == nil {
		t.Fatal("expected the increment failure to surface")
	}
	if repo.processed != 0 {
		t.Fatalf("failed increment must not count, got %d", repo.processed)
	}

	// The event broker redelivers; the call must still count exactly once.
	redelivered := terminalCall(campaignID, "corr-1", domain.CallStatusCompleted)
	if err := agg.OnCallTerminal(ctx, redelivered); err != nil {
		t.Fatalf("redelivery after a transient failure: %v", err)
	}
	if err := agg.OnCallTerminal(ctx, redelivered); err != nil {
		t.Fatalf("second redelivery: %v", err)
	}
	if repo.processed != 1 {
		t.Fatalf("expected exactly one counted call, got %d", repo.processed)
	}
}

func TestOnCallTerminalConcurrentDuplicates(t *testing.T) {
	campaignID := uuid.New()
	store := &casCallStore{counted: make(map[string]bool)}
	repo := &countingProgressRepo{total: 10}
	agg := NewAggregator(store, repo, logger.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		call := terminalCall(campaignID, "corr-dup", domain.CallStatusCompleted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = agg.OnCallTerminal(ctx, call)
		}()
	}
	wg.Wait()

	if repo.processed != 1 {
		t.Fatalf("concurrent duplicates must count once, got %d", repo.processed)
	}
}
