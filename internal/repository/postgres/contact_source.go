package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign/internal/domain"
)

// ContactSource implements repository.ContactSource over the
// campaign_contacts table populated by the upload pipeline. Rows are
// already normalized and carry a non-empty phone number.
type ContactSource struct {
	db *sqlx.DB
}

// NewContactSource constructs the source.
func NewContactSource(db *sqlx.DB) *ContactSource {
	return &ContactSource{db: db}
}

// ListContacts returns the full ordered contact sequence for a source.
func (s *ContactSource) ListContacts(ctx context.Context, sourceID uuid.UUID) ([]domain.Contact, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT phone_number, name, metadata FROM campaign_contacts
		 WHERE source_id = $1 ORDER BY position ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("contact source: list: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var rec struct {
			PhoneNumber string `db:"phone_number"`
			Name        string `db:"name"`
			Metadata    []byte `db:"metadata"`
		}
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact source: scan: %w", err)
		}

		contact := domain.Contact{PhoneNumber: rec.PhoneNumber, Name: rec.Name}
		if len(rec.Metadata) > 0 {
			if err := json.Unmarshal(rec.Metadata, &contact.Metadata); err != nil {
				return nil, fmt.Errorf("contact source: unmarshal metadata: %w", err)
			}
		}
		contacts = append(contacts, contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact source: rows err: %w", err)
	}
	return contacts, nil
}

// Count returns the number of contacts in a source.
func (s *ContactSource) Count(ctx context.Context, sourceID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM campaign_contacts WHERE source_id = $1`, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("contact source: count: %w", err)
	}
	return count, nil
}
