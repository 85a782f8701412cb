package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acme/voice-campaign/internal/domain"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error
	MarkStarted(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	// AddDispatched raises the campaign's cumulative dispatched-call
	// counter and returns the new total. The counter survives pauses and
	// process restarts, so settlement always covers every placed call.
	AddDispatched(ctx context.Context, id uuid.UUID, delta int) (int, error)
}

// ProgressResult reports the aggregate state after one terminal increment.
type ProgressResult struct {
	Processed    int
	Total        int
	CompletedNow bool
}

// ProgressRepository applies exactly-one-increment progress updates for
// terminal calls and flips the campaign to completed when the last
// contact lands.
type ProgressRepository interface {
	IncrementTerminal(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (ProgressResult, error)
}

// CallStore persists individual call records. Calls are never deleted;
// they form the audit trail.
type CallStore interface {
	CreateCall(ctx context.Context, call *domain.Call) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Call, error)
	UpdateOutcome(ctx context.Context, call *domain.Call) error
	// MarkCounted flips the call's counted flag exactly once. The first
	// caller gets true; every later caller gets false.
	MarkCounted(ctx context.Context, call *domain.Call) (bool, error)
	// UnmarkCounted releases the counted flag so a failed progress
	// increment can be retried on event redelivery.
	UnmarkCounted(ctx context.Context, call *domain.Call) error
	// CountInFlight returns the number of the campaign's call records
	// that have not reached a terminal status.
	CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// BillingRepository owns the credit balance and the append-only ledger.
type BillingRepository interface {
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	// SettleDebit debits the balance and writes one completed ledger
	// entry atomically. A repeated reference is a no-op returning false.
	SettleDebit(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	// Credit tops up a balance with a credit ledger entry.
	Credit(ctx context.Context, entry *domain.LedgerEntry) error
}

// CallerIDRepository reads verified origination numbers.
type CallerIDRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.CallerID, error)
}

// ContactSource produces the finite ordered contact sequence for an
// already-validated upload.
type ContactSource interface {
	ListContacts(ctx context.Context, sourceID uuid.UUID) ([]domain.Contact, error)
	Count(ctx context.Context, sourceID uuid.UUID) (int, error)
}

// Blocklist screens destinations and message content. Numbers are
// blocked per user; words are blocked platform-wide and matched against
// message scripts at campaign-creation time.
type Blocklist interface {
	Contains(ctx context.Context, userID uuid.UUID, phoneNumber string) (bool, error)
	// ContainsBlockedWords returns every active blocked word found in
	// the text, matched case-insensitively on word boundaries.
	ContainsBlockedWords(ctx context.Context, text string) ([]string, error)
}

// Well-known settings keys, mirroring the platform's settings catalog.
const (
	SettingPlatformRate      = "call_rate.platform"
	SettingProviderRate      = "call_rate.provider"
	SettingMaxCallsPerMinute = "system.max_calls_per_minute"
	SettingMaxRetryAttempts  = "system.max_retry_attempts"
	SettingTransferKey       = "system.default_transfer_key"
	SettingInfobipAPIKey     = "infobip.api_key"
	SettingInfobipVoiceURL   = "infobip.voice_url"
)

// SettingsStore reads operator settings such as provider credentials and
// per-call rates. Get returns the stored value or the registered default.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
}
