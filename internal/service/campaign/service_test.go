package campaign

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/internal/service/billing"
	"github.com/acme/voice-campaign/internal/telephony"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
	"github.com/acme/voice-campaign/pkg/logger"
)

type memCampaigns struct {
	byID map[uuid.UUID]*domain.Campaign
}

func newMemCampaigns(campaigns ...*domain.Campaign) *memCampaigns {
	m := &memCampaigns{byID: make(map[uuid.UUID]*domain.Campaign)}
	for _, c := range campaigns {
		m.byID[c.ID] = c
	}
	return m
}

func (m *memCampaigns) Create(ctx context.Context, c *domain.Campaign) error {
	copy := *c
	m.byID[c.ID] = &copy
	return nil
}

func (m *memCampaigns) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (m *memCampaigns) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error {
	c, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != from {
		return repository.ErrConflict
	}
	c.Status = to
	return nil
}

func (m *memCampaigns) MarkStarted(ctx context.Context, id uuid.UUID) error {
	c, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = domain.CampaignStatusActive
	return nil
}

func (m *memCampaigns) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	c, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = domain.CampaignStatusCompleted
	return nil
}

func (m *memCampaigns) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return nil, nil
}

func (m *memCampaigns) AddDispatched(ctx context.Context, id uuid.UUID, delta int) (int, error) {
	c, ok := m.byID[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	c.DispatchedCalls += delta
	return c.DispatchedCalls, nil
}

type memCallerIDs struct {
	byID map[uuid.UUID]*domain.CallerID
}

func (m *memCallerIDs) Get(ctx context.Context, id uuid.UUID) (*domain.CallerID, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

type memContacts struct {
	contacts []domain.Contact
}

func (m *memContacts) ListContacts(ctx context.Context, sourceID uuid.UUID) ([]domain.Contact, error) {
	return m.contacts, nil
}

func (m *memContacts) Count(ctx context.Context, sourceID uuid.UUID) (int, error) {
	return len(m.contacts), nil
}

type memBlocklist struct {
	numbers map[string]bool
	words   []string
}

func (m *memBlocklist) Contains(ctx context.Context, userID uuid.UUID, phoneNumber string) (bool, error) {
	return m.numbers[phoneNumber], nil
}

func (m *memBlocklist) ContainsBlockedWords(ctx context.Context, text string) ([]string, error) {
	var found []string
	lower := strings.ToLower(text)
	for _, word := range m.words {
		if strings.Contains(lower, strings.ToLower(word)) {
			found = append(found, word)
		}
	}
	return found, nil
}

type memCalls struct {
	created []*domain.Call
	updated []*domain.Call
}

func (m *memCalls) CreateCall(ctx context.Context, call *domain.Call) error {
	copy := *call
	m.created = append(m.created, &copy)
	return nil
}

func (m *memCalls) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Call, error) {
	return nil, repository.ErrNotFound
}

func (m *memCalls) UpdateOutcome(ctx context.Context, call *domain.Call) error {
	copy := *call
	m.updated = append(m.updated, &copy)
	return nil
}

func (m *memCalls) MarkCounted(ctx context.Context, call *domain.Call) (bool, error) {
	return true, nil
}

func (m *memCalls) UnmarkCounted(ctx context.Context, call *domain.Call) error {
	return nil
}

func (m *memCalls) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return 0, nil
}

type memSettings map[string]string

func (m memSettings) Get(ctx context.Context, key string) (string, error) {
	return m[key], nil
}

type stubBiller struct {
	fundsErr error
	settled  []billing.Unit
}

func (b *stubBiller) Rates(ctx context.Context) (domain.RateSnapshot, error) {
	return domain.RateSnapshot{}, nil
}

func (b *stubBiller) CheckFunds(ctx context.Context, userID uuid.UUID, calls int, rates domain.RateSnapshot) error {
	return b.fundsErr
}

func (b *stubBiller) Settle(ctx context.Context, unit billing.Unit) error {
	b.settled = append(b.settled, unit)
	return nil
}

type stubLauncher struct {
	launched []uuid.UUID
	stopped  []uuid.UUID
	err      error
}

func (l *stubLauncher) Launch(ctx context.Context, campaign *domain.Campaign, rates domain.RateSnapshot) error {
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, campaign.ID)
	return nil
}

func (l *stubLauncher) Stop(campaignID uuid.UUID) {
	l.stopped = append(l.stopped, campaignID)
}

type stubProvider struct {
	err    error
	placed []telephony.CallRequest
}

func (p *stubProvider) PlaceCall(ctx context.Context, req telephony.CallRequest) error {
	if p.err != nil {
		return p.err
	}
	p.placed = append(p.placed, req)
	return nil
}

type serviceFixture struct {
	svc       *Service
	campaigns *memCampaigns
	calls     *memCalls
	biller    *stubBiller
	launcher  *stubLauncher
	provider  *stubProvider
	userID    uuid.UUID
	callerID  uuid.UUID
	sourceID  uuid.UUID
	blocklist *memBlocklist
	settings  memSettings
}

func newServiceFixture(contacts []domain.Contact) *serviceFixture {
	f := &serviceFixture{
		campaigns: newMemCampaigns(),
		calls:     &memCalls{},
		biller:    &stubBiller{},
		launcher:  &stubLauncher{},
		provider:  &stubProvider{},
		userID:    uuid.New(),
		callerID:  uuid.New(),
		sourceID:  uuid.New(),
		blocklist: &memBlocklist{numbers: map[string]bool{}},
		settings:  memSettings{"system.default_transfer_key": "1"},
	}

	callerIDs := &memCallerIDs{byID: map[uuid.UUID]*domain.CallerID{
		f.callerID: {ID: f.callerID, UserID: f.userID, PhoneNumber: "+15550009999", Verified: true, Active: true},
	}}

	f.svc = NewService(
		f.campaigns,
		callerIDs,
		&memContacts{contacts: contacts},
		f.blocklist,
		f.calls,
		f.settings,
		f.biller,
		f.launcher,
		f.provider,
		logger.Nop(),
	)
	return f
}

func (f *serviceFixture) createParams() CreateParams {
	return CreateParams{
		Name:            "spring promo",
		UserID:          f.userID,
		CallerIDID:      f.callerID,
		ContactSourceID: f.sourceID,
		MessageScript:   "Hello, press 1 to talk to us.",
		CallsPerMinute:  10,
	}
}

func someContacts(numbers ...string) []domain.Contact {
	contacts := make([]domain.Contact, len(numbers))
	for i, n := range numbers {
		contacts[i] = domain.Contact{PhoneNumber: n}
	}
	return contacts
}

func TestCreateClampsCallsPerMinute(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	ctx := context.Background()

	params := f.createParams()
	params.CallsPerMinute = 50
	campaign, err := f.svc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.CallsPerMinute != domain.MaxCallsPerMinute {
		t.Errorf("expected clamp to %d, got %d", domain.MaxCallsPerMinute, campaign.CallsPerMinute)
	}

	params.CallsPerMinute = 0
	campaign, err = f.svc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.CallsPerMinute != domain.DefaultCallsPerMinute {
		t.Errorf("expected default %d, got %d", domain.DefaultCallsPerMinute, campaign.CallsPerMinute)
	}
}

func TestCreateValidationFailures(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	ctx := context.Background()

	noName := f.createParams()
	noName.Name = "  "
	if _, err := f.svc.Create(ctx, noName); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("blank name: expected validation error, got %v", err)
	}

	noScript := f.createParams()
	noScript.MessageScript = ""
	if _, err := f.svc.Create(ctx, noScript); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("blank script: expected validation error, got %v", err)
	}

	wrongCaller := f.createParams()
	wrongCaller.CallerIDID = uuid.New()
	if _, err := f.svc.Create(ctx, wrongCaller); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("unknown caller id: expected validation error, got %v", err)
	}
}

func TestCreateDefaultsTransferKeyFromSettings(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))

	campaign, err := f.svc.Create(context.Background(), f.createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.TransferKey != "1" {
		t.Errorf("expected default transfer key from settings, got %q", campaign.TransferKey)
	}
}

func TestCreateExcludesBlockedContactsFromTotal(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001", "+15550000002", "+15550000003"))
	f.blocklist.numbers["+15550000002"] = true

	campaign, err := f.svc.Create(context.Background(), f.createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.TotalContacts != 2 {
		t.Errorf("expected 2 dialable contacts, got %d", campaign.TotalContacts)
	}
}

func TestCreateRejectsScriptWithBlockedWords(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	f.blocklist.words = []string{"scam", "lottery"}

	params := f.createParams()
	params.MessageScript = "Congratulations, you won our LOTTERY, call back now."
	_, err := f.svc.Create(context.Background(), params)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "lottery") {
		t.Errorf("error must name the offending words, got %q", err.Error())
	}

	clean := f.createParams()
	if _, err := f.svc.Create(context.Background(), clean); err != nil {
		t.Fatalf("clean script must pass: %v", err)
	}
}

func TestCreateCapsCallsPerMinuteFromSettings(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	f.settings["system.max_calls_per_minute"] = "5"

	params := f.createParams()
	params.CallsPerMinute = 10
	campaign, err := f.svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.CallsPerMinute != 5 {
		t.Errorf("expected the operator ceiling of 5, got %d", campaign.CallsPerMinute)
	}
}

func TestStartLaunchesAndReportsAcceptedCalls(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001", "+15550000002"))
	campaign, _ := f.svc.Create(context.Background(), f.createParams())

	receipt, err := f.svc.Start(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if receipt.CallsAccepted != 2 {
		t.Errorf("expected 2 accepted calls, got %d", receipt.CallsAccepted)
	}
	if receipt.Campaign.Status != domain.CampaignStatusActive {
		t.Errorf("expected active status, got %s", receipt.Campaign.Status)
	}
	if len(f.launcher.launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(f.launcher.launched))
	}
}

func TestStartConflictsWhenAlreadyRunning(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	campaign, _ := f.svc.Create(context.Background(), f.createParams())

	if _, err := f.svc.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := f.svc.Start(context.Background(), campaign.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict on second start, got %v", err)
	}
}

func TestStartRejectsUnderfundedCampaignBeforeDispatch(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001", "+15550000002"))
	campaign, _ := f.svc.Create(context.Background(), f.createParams())
	f.biller.fundsErr = &apperrors.InsufficientCreditsError{}

	_, err := f.svc.Start(context.Background(), campaign.ID)
	if !errors.Is(err, apperrors.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	stored, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if stored.Status != domain.CampaignStatusPending {
		t.Errorf("underfunded campaign must stay pending, got %s", stored.Status)
	}
	if len(f.launcher.launched) != 0 {
		t.Error("underfunded campaign must not launch")
	}
}

func TestStartCompletesZeroContactCampaignImmediately(t *testing.T) {
	f := newServiceFixture(nil)
	campaign, _ := f.svc.Create(context.Background(), f.createParams())

	receipt, err := f.svc.Start(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if receipt.CallsAccepted != 0 {
		t.Errorf("expected 0 accepted calls, got %d", receipt.CallsAccepted)
	}
	if receipt.Campaign.Status != domain.CampaignStatusCompleted {
		t.Errorf("expected immediate completion, got %s", receipt.Campaign.Status)
	}
	if len(f.launcher.launched) != 0 {
		t.Error("empty campaign must not launch a runner")
	}
}

func TestPauseOnlyActiveCampaigns(t *testing.T) {
	f := newServiceFixture(someContacts("+15550000001"))
	campaign, _ := f.svc.Create(context.Background(), f.createParams())

	if _, err := f.svc.Pause(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("pausing a pending campaign must conflict, got %v", err)
	}

	if _, err := f.svc.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	paused, err := f.svc.Pause(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != domain.CampaignStatusPaused {
		t.Errorf("expected paused, got %s", paused.Status)
	}
	if len(f.launcher.stopped) != 1 {
		t.Fatalf("expected runner stop, got %d", len(f.launcher.stopped))
	}
}

func TestTestCallPlacesAndSettlesSingleCall(t *testing.T) {
	f := newServiceFixture(nil)

	call, err := f.svc.TestCall(context.Background(), TestCallParams{
		UserID:        f.userID,
		CallerIDID:    f.callerID,
		PhoneNumber:   "+15550001234",
		MessageScript: "Hello there.",
	})
	if err != nil {
		t.Fatalf("test call: %v", err)
	}
	if call.CampaignID != nil {
		t.Error("test call must not belong to a campaign")
	}
	if !strings.HasPrefix(call.CorrelationID, "test-") {
		t.Errorf("expected test correlation id, got %q", call.CorrelationID)
	}
	if len(f.provider.placed) != 1 {
		t.Fatalf("expected one placed call, got %d", len(f.provider.placed))
	}
	if len(f.biller.settled) != 1 {
		t.Fatalf("expected immediate settlement, got %d", len(f.biller.settled))
	}
	unit := f.biller.settled[0]
	if unit.Calls != 1 {
		t.Errorf("expected a single billable call, got %d", unit.Calls)
	}
	if unit.Reference != "test:"+call.CorrelationID {
		t.Errorf("unexpected settlement reference %q", unit.Reference)
	}
}

func TestTestCallRejectsBlockedNumber(t *testing.T) {
	f := newServiceFixture(nil)
	f.blocklist.numbers["+15550001234"] = true

	_, err := f.svc.TestCall(context.Background(), TestCallParams{
		UserID:        f.userID,
		CallerIDID:    f.callerID,
		PhoneNumber:   "+15550001234",
		MessageScript: "Hello there.",
	})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTestCallRecordsProviderFailure(t *testing.T) {
	f := newServiceFixture(nil)
	f.provider.err = errors.New("upstream down")

	_, err := f.svc.TestCall(context.Background(), TestCallParams{
		UserID:        f.userID,
		CallerIDID:    f.callerID,
		PhoneNumber:   "+15550001234",
		MessageScript: "Hello there.",
	})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if len(f.calls.updated) != 1 || f.calls.updated[0].Status != domain.CallStatusFailed {
		t.Fatal("failed test call must be recorded as failed")
	}
	if len(f.biller.settled) != 0 {
		t.Fatal("a rejected test call must not settle")
	}
}
