package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Service settles billable units of work: one test call, or one fully
// dispatched campaign. Rates are snapshotted when the unit starts and the
// snapshot travels with the unit, so ledger entries always reflect
// dispatch-time pricing.
type Service struct {
	repo     repository.BillingRepository
	settings repository.SettingsStore
	logger   *logger.Logger
}

// NewService builds the billing service.
func NewService(repo repository.BillingRepository, settings repository.SettingsStore, lg *logger.Logger) *Service {
	return &Service{repo: repo, settings: settings, logger: lg}
}

// Unit is one billable unit of work.
type Unit struct {
	UserID      uuid.UUID
	CampaignID  *uuid.UUID
	Calls       int
	Rates       domain.RateSnapshot
	Description string
	// Reference is unique per unit and makes settlement exactly-once.
	Reference string
}

// Rates reads the current platform and provider per-call rates.
func (s *Service) Rates(ctx context.Context) (domain.RateSnapshot, error) {
	platform, err := s.rate(ctx, repository.SettingPlatformRate)
	if err != nil {
		return domain.RateSnapshot{}, err
	}
	provider, err := s.rate(ctx, repository.SettingProviderRate)
	if err != nil {
		return domain.RateSnapshot{}, err
	}
	return domain.RateSnapshot{Platform: platform, Provider: provider}, nil
}

func (s *Service) rate(ctx context.Context, key string) (decimal.Decimal, error) {
	raw, err := s.settings.Get(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: read %s: %w", key, err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

// CheckFunds verifies the user can afford the unit before any call is
// placed. It returns an InsufficientCreditsError carrying the required
// and available amounts, so a campaign that cannot be fully funded is
// rejected before any partial dispatch.
func (s *Service) CheckFunds(ctx context.Context, userID uuid.UUID, calls int, rates domain.RateSnapshot) error {
	required := rates.CostFor(calls)
	available, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("billing: read balance: %w", err)
	}
	if available.LessThan(required) {
		return &apperrors.InsufficientCreditsError{Required: required, Available: available}
	}
	return nil
}

// Settle debits the user and writes the unit's single debit ledger entry.
// Replays with the same reference are no-ops.
func (s *Service) Settle(ctx context.Context, unit Unit) error {
	if unit.Calls <= 0 {
		return nil
	}

	cost := unit.Rates.CostFor(unit.Calls)
	entry := &domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       unit.UserID,
		Type:         domain.LedgerEntryDebit,
		Amount:       cost,
		Credits:      cost,
		Description:  unit.Description,
		CampaignID:   unit.CampaignID,
		Calls:        unit.Calls,
		PlatformRate: unit.Rates.Platform,
		ProviderRate: unit.Rates.Provider,
		Profit:       unit.Rates.ProfitFor(unit.Calls),
		Status:       domain.LedgerStatusCompleted,
		Reference:    unit.Reference,
		CreatedAt:    time.Now().UTC(),
	}

	settled, err := s.repo.SettleDebit(ctx, entry)
	if err != nil {
		return fmt.Errorf("billing: settle %s: %w", unit.Reference, err)
	}
	if !settled {
		s.logger.Warn("billing: unit already settled, skipping",
			zap.String("reference", unit.Reference))
		return nil
	}

	s.logger.Info("billing: unit settled",
		zap.String("reference", unit.Reference),
		zap.Int("calls", unit.Calls),
		zap.String("amount", cost.String()),
		zap.String("profit", entry.Profit.String()))
	return nil
}

// TopUp records a credit entry and raises the user's balance.
func (s *Service) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: top-up amount must be positive", apperrors.ErrValidation)
	}
	entry := &domain.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.LedgerEntryCredit,
		Amount:      amount,
		Credits:     amount,
		Description: description,
		Status:      domain.LedgerStatusCompleted,
		Reference:   fmt.Sprintf("topup:%s", uuid.New()),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Credit(ctx, entry); err != nil {
		return fmt.Errorf("billing: top up: %w", err)
	}
	return nil
}
