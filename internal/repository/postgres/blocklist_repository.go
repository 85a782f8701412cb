package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BlocklistRepository implements repository.Blocklist. Blocked numbers
// live in blocked_numbers, one row per user and destination; blocked
// words live in blocked_words and apply platform-wide.
type BlocklistRepository struct {
	db *sqlx.DB
}

// NewBlocklistRepository constructs the repository.
func NewBlocklistRepository(db *sqlx.DB) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// Contains reports whether the user has blocked the number.
func (r *BlocklistRepository) Contains(ctx context.Context, userID uuid.UUID, phoneNumber string) (bool, error) {
	var blocked bool
	err := r.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocked_numbers WHERE user_id = $1 AND phone_number = $2)`,
		userID, phoneNumber).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("blocklist repo: contains: %w", err)
	}
	return blocked, nil
}

// ContainsBlockedWords returns every active blocked word present in the
// text. Words match case-insensitively on word boundaries, so "scam"
// flags "a SCAM offer" but not "scampi".
func (r *BlocklistRepository) ContainsBlockedWords(ctx context.Context, text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}

	var words []string
	if err := r.db.SelectContext(ctx, &words,
		`SELECT word FROM blocked_words WHERE is_active`); err != nil {
		return nil, fmt.Errorf("blocklist repo: list blocked words: %w", err)
	}

	var found []string
	for _, word := range words {
		if word == "" {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("blocklist repo: match word %q: %w", word, err)
		}
		if pattern.MatchString(text) {
			found = append(found, word)
		}
	}
	return found, nil
}
