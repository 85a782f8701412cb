package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
)

// ProgressRepository implements repository.ProgressRepository. The
// increment and the completion flip happen in one transaction so
// processed_contacts can never pass total_contacts and completed is set
// exactly when they meet.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository builds the repository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

var counterColumnByStatus = map[domain.CallStatus]string{
	domain.CallStatusAnswered:    "answered_count",
	domain.CallStatusBusy:        "busy_count",
	domain.CallStatusNoAnswer:    "no_answer_count",
	domain.CallStatusFailed:      "failed_count",
	domain.CallStatusTransferred: "transferred_count",
	domain.CallStatusCompleted:   "completed_count",
}

// IncrementTerminal bumps processed_contacts and the matching per-status
// counter, flipping the campaign to completed when the last contact lands.
func (r *ProgressRepository) IncrementTerminal(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (repository.ProgressResult, error) {
	column, ok := counterColumnByStatus[status]
	if !ok {
		return repository.ProgressResult{}, fmt.Errorf("progress repo: %q is not a terminal status", status)
	}

	var result repository.ProgressResult
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// The processed < total guard keeps the invariant even if an
		// extra increment slips past the caller's exactly-once check.
		q := fmt.Sprintf(`UPDATE campaigns SET
			processed_contacts = processed_contacts + 1,
			%s = %s + 1,
			updated_at = NOW()
		WHERE id = $1 AND processed_contacts < total_contacts
		RETURNING processed_contacts, total_contacts`, column, column)

		row := tx.QueryRowxContext(ctx, q, campaignID)
		if err := row.Scan(&result.Processed, &result.Total); err != nil {
			if err == sql.ErrNoRows {
				return repository.ErrConflict
			}
			return fmt.Errorf("progress repo: increment: %w", err)
		}

		if result.Processed == result.Total {
			res, err := tx.ExecContext(ctx,
				`UPDATE campaigns SET status = $1, end_time = NOW(), updated_at = NOW()
				 WHERE id = $2 AND status IN ($3, $4)`,
				domain.CampaignStatusCompleted, campaignID,
				domain.CampaignStatusActive, domain.CampaignStatusPaused)
			if err != nil {
				return fmt.Errorf("progress repo: complete campaign: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("progress repo: rows affected: %w", err)
			}
			result.CompletedNow = n > 0
		}
		return nil
	})
	if err != nil {
		return repository.ProgressResult{}, err
	}
	return result, nil
}
