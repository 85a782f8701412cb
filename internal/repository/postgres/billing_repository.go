package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
)

// BillingRepository implements repository.BillingRepository over the
// user_credits table and the append-only billing_ledger table.
type BillingRepository struct {
	db *sqlx.DB
}

// NewBillingRepository builds the repository.
func NewBillingRepository(db *sqlx.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// Balance returns the user's current credit balance.
func (r *BillingRepository) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowxContext(ctx,
		`SELECT balance FROM user_credits WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, repository.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("billing repo: balance: %w", err)
	}
	return balance, nil
}

// SettleDebit debits the balance and writes one completed ledger entry in
// a single transaction. The entry's unique reference makes settlement
// idempotent: a replay returns (false, nil) and changes nothing.
func (r *BillingRepository) SettleDebit(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	settled := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `INSERT INTO billing_ledger (
			id, user_id, type, amount, credits, description, campaign_id,
			calls, platform_rate, provider_rate, profit, status, reference, created_at
		) VALUES (
			:id, :user_id, :type, :amount, :credits, :description, :campaign_id,
			:calls, :platform_rate, :provider_rate, :profit, :status, :reference, :created_at
		) ON CONFLICT (reference) DO NOTHING`, ledgerParams(entry))
		if err != nil {
			return fmt.Errorf("billing repo: insert ledger entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("billing repo: rows affected: %w", err)
		}
		if n == 0 {
			// Reference already settled.
			return nil
		}

		debit, err := tx.ExecContext(ctx,
			`UPDATE user_credits SET balance = balance - $1, updated_at = NOW()
			 WHERE user_id = $2 AND balance >= $1`,
			entry.Amount, entry.UserID)
		if err != nil {
			return fmt.Errorf("billing repo: debit balance: %w", err)
		}
		dn, err := debit.RowsAffected()
		if err != nil {
			return fmt.Errorf("billing repo: rows affected: %w", err)
		}
		if dn == 0 {
			balance := decimal.Zero
			_ = tx.QueryRowxContext(ctx,
				`SELECT balance FROM user_credits WHERE user_id = $1`, entry.UserID).Scan(&balance)
			return &apperrors.InsufficientCreditsError{Required: entry.Amount, Available: balance}
		}

		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

// Credit tops up a balance with a credit ledger entry.
func (r *BillingRepository) Credit(ctx context.Context, entry *domain.LedgerEntry) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO billing_ledger (
			id, user_id, type, amount, credits, description, campaign_id,
			calls, platform_rate, provider_rate, profit, status, reference, created_at
		) VALUES (
			:id, :user_id, :type, :amount, :credits, :description, :campaign_id,
			:calls, :platform_rate, :provider_rate, :profit, :status, :reference, :created_at
		)`, ledgerParams(entry)); err != nil {
			return fmt.Errorf("billing repo: insert credit entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO user_credits (user_id, balance, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET balance = user_credits.balance + $2, updated_at = NOW()`,
			entry.UserID, entry.Credits); err != nil {
			return fmt.Errorf("billing repo: credit balance: %w", err)
		}
		return nil
	})
}

func ledgerParams(entry *domain.LedgerEntry) map[string]any {
	return map[string]any{
		"id":            entry.ID,
		"user_id":       entry.UserID,
		"type":          entry.Type,
		"amount":        entry.Amount,
		"credits":       entry.Credits,
		"description":   entry.Description,
		"campaign_id":   entry.CampaignID,
		"calls":         entry.Calls,
		"platform_rate": entry.PlatformRate,
		"provider_rate": entry.ProviderRate,
		"profit":        entry.Profit,
		"status":        entry.Status,
		"reference":     entry.Reference,
		"created_at":    entry.CreatedAt,
	}
}
