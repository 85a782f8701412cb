package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/domain"
)

// FilteredContactSource wraps a ContactSource and drops contacts on the
// user's blocklist. Creation-time counting and dispatch-time listing go
// through the same filter, so aggregate totals always match the dialable
// sequence.
type FilteredContactSource struct {
	source    ContactSource
	blocklist Blocklist
	userID    uuid.UUID
}

// NewFilteredContactSource builds the filter for one user's campaigns.
func NewFilteredContactSource(source ContactSource, blocklist Blocklist, userID uuid.UUID) *FilteredContactSource {
	return &FilteredContactSource{source: source, blocklist: blocklist, userID: userID}
}

// ListContacts returns the contact sequence with blocked numbers removed,
// preserving order.
func (f *FilteredContactSource) ListContacts(ctx context.Context, sourceID uuid.UUID) ([]domain.Contact, error) {
	contacts, err := f.source.ListContacts(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	allowed := contacts[:0:0]
	for _, contact := range contacts {
		blocked, err := f.blocklist.Contains(ctx, f.userID, contact.PhoneNumber)
		if err != nil {
			return nil, err
		}
		if !blocked {
			allowed = append(allowed, contact)
		}
	}
	return allowed, nil
}

// Count returns the number of contacts that survive the blocklist filter.
func (f *FilteredContactSource) Count(ctx context.Context, sourceID uuid.UUID) (int, error) {
	contacts, err := f.ListContacts(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	return len(contacts), nil
}
