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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, user_id, caller_id_id, contact_source_id, message_script,
	transfer_key, calls_per_minute, status, total_contacts, processed_contacts, dispatched_calls,
	answered_count, busy_count, no_answer_count, failed_count, transferred_count, completed_count,
	start_time, end_time, created_at, updated_at`

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, name, user_id, caller_id_id, contact_source_id, message_script,
		transfer_key, calls_per_minute, status, total_contacts, processed_contacts, dispatched_calls,
		start_time, end_time, created_at, updated_at
	) VALUES (
		:id, :name, :user_id, :caller_id_id, :contact_source_id, :message_script,
		:transfer_key, :calls_per_minute, :status, :total_contacts, :processed_contacts, :dispatched_calls,
		:start_time, :end_time, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":                 campaign.ID,
		"name":               campaign.Name,
		"user_id":            campaign.UserID,
		"caller_id_id":       campaign.CallerIDID,
		"contact_source_id":  campaign.ContactSourceID,
		"message_script":     campaign.MessageScript,
		"transfer_key":       campaign.TransferKey,
		"calls_per_minute":   campaign.CallsPerMinute,
		"status":             campaign.Status,
		"total_contacts":     campaign.TotalContacts,
		"processed_contacts": campaign.ProcessedContacts,
		"dispatched_calls":   campaign.DispatchedCalls,
		"start_time":         campaign.StartTime,
		"end_time":           campaign.EndTime,
		"created_at":         campaign.CreatedAt,
		"updated_at":         campaign.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)

	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// UpdateStatus transitions a campaign between the given statuses. The
// from-status guard makes concurrent transitions race-safe: a lost race
// surfaces as ErrConflict.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrConflict
	}
	return nil
}

// MarkStarted activates a campaign and stamps its start time once.
func (r *CampaignRepository) MarkStarted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, start_time = COALESCE(start_time, NOW()), updated_at = NOW()
		 WHERE id = $2 AND status IN ($3, $4)`,
		domain.CampaignStatusActive, id, domain.CampaignStatusPending, domain.CampaignStatusPaused)
	if err != nil {
		return fmt.Errorf("campaign repo: mark started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrConflict
	}
	return nil
}

// MarkCompleted finalizes a campaign. Used for the zero-contact edge;
// normal completion flows through the progress increment.
func (r *CampaignRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, end_time = NOW(), updated_at = NOW()
		 WHERE id = $2 AND status IN ($3, $4)`,
		domain.CampaignStatusCompleted, id, domain.CampaignStatusActive, domain.CampaignStatusPaused)
	if err != nil {
		return fmt.Errorf("campaign repo: mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrConflict
	}
	return nil
}

// AddDispatched raises the cumulative dispatched-call counter and
// returns the new total.
func (r *CampaignRepository) AddDispatched(ctx context.Context, id uuid.UUID, delta int) (int, error) {
	var total int
	err := r.db.QueryRowxContext(ctx,
		`UPDATE campaigns SET dispatched_calls = dispatched_calls + $1, updated_at = NOW()
		 WHERE id = $2 RETURNING dispatched_calls`, delta, id).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("campaign repo: add dispatched: %w", err)
	}
	return total, nil
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID                uuid.UUID    `db:"id"`
	Name              string       `db:"name"`
	UserID            uuid.UUID    `db:"user_id"`
	CallerIDID        uuid.UUID    `db:"caller_id_id"`
	ContactSourceID   uuid.UUID    `db:"contact_source_id"`
	MessageScript     string       `db:"message_script"`
	TransferKey       string       `db:"transfer_key"`
	CallsPerMinute    int          `db:"calls_per_minute"`
	Status            string       `db:"status"`
	TotalContacts     int          `db:"total_contacts"`
	ProcessedContacts int          `db:"processed_contacts"`
	DispatchedCalls   int          `db:"dispatched_calls"`
	AnsweredCount     int64        `db:"answered_count"`
	BusyCount         int64        `db:"busy_count"`
	NoAnswerCount     int64        `db:"no_answer_count"`
	FailedCount       int64        `db:"failed_count"`
	TransferredCount  int64        `db:"transferred_count"`
	CompletedCount    int64        `db:"completed_count"`
	StartTime         sql.NullTime `db:"start_time"`
	EndTime           sql.NullTime `db:"end_time"`
	CreatedAt         sql.NullTime `db:"created_at"`
	UpdatedAt         sql.NullTime `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                r.ID,
		Name:              r.Name,
		UserID:            r.UserID,
		CallerIDID:        r.CallerIDID,
		ContactSourceID:   r.ContactSourceID,
		MessageScript:     r.MessageScript,
		TransferKey:       r.TransferKey,
		CallsPerMinute:    r.CallsPerMinute,
		Status:            domain.CampaignStatus(r.Status),
		TotalContacts:     r.TotalContacts,
		ProcessedContacts: r.ProcessedContacts,
		DispatchedCalls:   r.DispatchedCalls,
		CallCounts: domain.CallCounts{
			Answered:    r.AnsweredCount,
			Busy:        r.BusyCount,
			NoAnswer:    r.NoAnswerCount,
			Failed:      r.FailedCount,
			Transferred: r.TransferredCount,
			Completed:   r.CompletedCount,
		},
		CreatedAt: r.CreatedAt.Time,
		UpdatedAt: r.UpdatedAt.Time,
	}
	if r.StartTime.Valid {
		t := r.StartTime.Time
		campaign.StartTime = &t
	}
	if r.EndTime.Valid {
		t := r.EndTime.Time
		campaign.EndTime = &t
	}
	return campaign
}
