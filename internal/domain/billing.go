package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntryType distinguishes ledger entry kinds. The ledger is
// append-only: corrections are new refund entries, never edits.
type LedgerEntryType string

const (
	LedgerEntryCredit LedgerEntryType = "credit"
	LedgerEntryDebit  LedgerEntryType = "debit"
	LedgerEntryRefund LedgerEntryType = "refund"
)

// LedgerEntryStatus enumerates ledger entry settlement states.
type LedgerEntryStatus string

const (
	LedgerStatusPending   LedgerEntryStatus = "pending"
	LedgerStatusCompleted LedgerEntryStatus = "completed"
	LedgerStatusFailed    LedgerEntryStatus = "failed"
	LedgerStatusRefunded  LedgerEntryStatus = "refunded"
)

// LedgerEntry is one immutable billing record. Reference is unique per
// billable unit so settlement can never double-write.
type LedgerEntry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Type         LedgerEntryType
	Amount       decimal.Decimal
	Credits      decimal.Decimal
	Description  string
	CampaignID   *uuid.UUID
	Calls        int
	PlatformRate decimal.Decimal
	ProviderRate decimal.Decimal
	Profit       decimal.Decimal
	Status       LedgerEntryStatus
	Reference    string
	CreatedAt    time.Time
}

// RateSnapshot fixes the per-call rates for one billable unit. Rates are
// read once when the unit starts and held for its whole lifetime, so
// ledger entries reflect dispatch-time pricing.
type RateSnapshot struct {
	Platform decimal.Decimal
	Provider decimal.Decimal
}

// ProfitFor computes (platform - provider) * calls.
func (r RateSnapshot) ProfitFor(calls int) decimal.Decimal {
	return r.Platform.Sub(r.Provider).Mul(decimal.NewFromInt(int64(calls)))
}

// CostFor computes the total charge for the given call count.
func (r RateSnapshot) CostFor(calls int) decimal.Decimal {
	return r.Platform.Mul(decimal.NewFromInt(int64(calls)))
}
