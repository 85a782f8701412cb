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

// CallerIDRepository implements repository.CallerIDRepository.
type CallerIDRepository struct {
	db *sqlx.DB
}

// NewCallerIDRepository constructs the repository.
func NewCallerIDRepository(db *sqlx.DB) *CallerIDRepository {
	return &CallerIDRepository{db: db}
}

// Get fetches a caller id by id.
func (r *CallerIDRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallerID, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT id, user_id, phone_number, is_verified, is_active, created_at
		 FROM caller_ids WHERE id = $1`, id)

	var rec struct {
		ID          uuid.UUID    `db:"id"`
		UserID      uuid.UUID    `db:"user_id"`
		PhoneNumber string       `db:"phone_number"`
		IsVerified  bool         `db:"is_verified"`
		IsActive    bool         `db:"is_active"`
		CreatedAt   sql.NullTime `db:"created_at"`
	}
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("caller id repo: get: %w", err)
	}

	return &domain.CallerID{
		ID:          rec.ID,
		UserID:      rec.UserID,
		PhoneNumber: rec.PhoneNumber,
		Verified:    rec.IsVerified,
		Active:      rec.IsActive,
		CreatedAt:   rec.CreatedAt.Time,
	}, nil
}
