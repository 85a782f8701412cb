package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
)

// CallStore persists call records in Scylla. The primary table is keyed
// by correlation id because that is how provider webhooks address calls;
// calls_by_campaign is a per-campaign audit index.
type CallStore struct {
	session *gocql.Session
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session}
}

// CreateCall inserts a call record into both tables.
func (s *CallStore) CreateCall(ctx context.Context, call *domain.Call) error {
	campaignID := ""
	if call.CampaignID != nil {
		campaignID = call.CampaignID.String()
	}

	if err := s.session.Query(`INSERT INTO calls_by_correlation (
		correlation_id, call_id, campaign_id, user_id, caller_id_id, phone_number, contact_name,
		status, start_time, end_time, duration, dtmf_digits, transferred_to, cost,
		error_message, retry_count, counted, metadata, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CorrelationID, call.ID.String(), campaignID, call.UserID.String(), call.CallerIDID.String(),
		call.PhoneNumber, call.ContactName, string(call.Status), call.StartTime, call.EndTime,
		call.Duration, call.DTMFDigits, call.TransferredTo, call.Cost.String(),
		call.ErrorMessage, call.RetryCount, call.Counted, call.Metadata, call.CreatedAt, call.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_correlation: %w", err)
	}

	if campaignID != "" {
		bucket := bucketDate(call.CreatedAt)
		if err := s.session.Query(`INSERT INTO calls_by_campaign (
			campaign_id, bucket, call_id, correlation_id, phone_number, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			campaignID, bucket, call.ID.String(), call.CorrelationID, call.PhoneNumber,
			string(call.Status), call.CreatedAt,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("call store: insert calls_by_campaign: %w", err)
		}
	}

	return nil
}

// GetByCorrelationID retrieves a call by its provider correlation id.
func (s *CallStore) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Call, error) {
	var (
		callIDStr     string
		campaignIDStr string
		userIDStr     string
		callerIDStr   string
		phone         string
		contactName   string
		status        string
		startTime     *time.Time
		endTime       *time.Time
		duration      int
		dtmf          string
		transferredTo string
		costStr       string
		errorMessage  string
		retryCount    int
		counted       bool
		metadata      map[string]string
		createdAt     time.Time
		updatedAt     time.Time
	)

	err := s.session.Query(`SELECT call_id, campaign_id, user_id, caller_id_id, phone_number, contact_name,
		status, start_time, end_time, duration, dtmf_digits, transferred_to, cost,
		error_message, retry_count, counted, metadata, created_at, updated_at
	FROM calls_by_correlation WHERE correlation_id = ?`, correlationID).
		WithContext(ctx).Scan(&callIDStr, &campaignIDStr, &userIDStr, &callerIDStr, &phone, &contactName,
		&status, &startTime, &endTime, &duration, &dtmf, &transferredTo, &costStr,
		&errorMessage, &retryCount, &counted, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: get by correlation: %w", err)
	}

	callID, err := uuid.Parse(callIDStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse user_id: %w", err)
	}
	callerID, err := uuid.Parse(callerIDStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse caller_id_id: %w", err)
	}

	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		cost = decimal.Zero
	}

	call := &domain.Call{
		ID:            callID,
		CorrelationID: correlationID,
		UserID:        userID,
		CallerIDID:    callerID,
		PhoneNumber:   phone,
		ContactName:   contactName,
		Status:        domain.CallStatus(status),
		StartTime:     startTime,
		EndTime:       endTime,
		Duration:      duration,
		DTMFDigits:    dtmf,
		TransferredTo: transferredTo,
		Cost:          cost,
		ErrorMessage:  errorMessage,
		RetryCount:    retryCount,
		Counted:       counted,
		Metadata:      metadata,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if campaignIDStr != "" {
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			return nil, fmt.Errorf("call store: parse campaign_id: %w", err)
		}
		call.CampaignID = &campaignID
	}
	return call, nil
}

// UpdateOutcome writes the call's current status, timing and billing
// fields back to both tables.
func (s *CallStore) UpdateOutcome(ctx context.Context, call *domain.Call) error {
	now := time.Now().UTC()
	if err := s.session.Query(`UPDATE calls_by_correlation SET
		status = ?, start_time = ?, end_time = ?, duration = ?, dtmf_digits = ?,
		transferred_to = ?, cost = ?, error_message = ?, retry_count = ?, updated_at = ?
	WHERE correlation_id = ?`,
		string(call.Status), call.StartTime, call.EndTime, call.Duration, call.DTMFDigits,
		call.TransferredTo, call.Cost.String(), call.ErrorMessage, call.RetryCount, now,
		call.CorrelationID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: update calls_by_correlation: %w", err)
	}

	if call.CampaignID != nil {
		bucket := bucketDate(call.CreatedAt)
		if err := s.session.Query(`UPDATE calls_by_campaign SET status = ?
			WHERE campaign_id = ? AND bucket = ? AND call_id = ?`,
			string(call.Status), call.CampaignID.String(), bucket, call.ID.String(),
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("call store: update calls_by_campaign: %w", err)
		}
	}
	return nil
}

// MarkCounted flips the counted flag with a lightweight transaction. Only
// the first caller for a given call observes true.
func (s *CallStore) MarkCounted(ctx context.Context, call *domain.Call) (bool, error) {
	var prev bool
	applied, err := s.session.Query(
		`UPDATE calls_by_correlation SET counted = true WHERE correlation_id = ? IF counted = false`,
		call.CorrelationID,
	).WithContext(ctx).ScanCAS(&prev)
	if err != nil {
		return false, fmt.Errorf("call store: mark counted: %w", err)
	}
	if applied {
		call.Counted = true
	}
	return applied, nil
}

// UnmarkCounted releases the counted flag after a failed progress
// increment, so event redelivery can count the call again.
func (s *CallStore) UnmarkCounted(ctx context.Context, call *domain.Call) error {
	var prev bool
	_, err := s.session.Query(
		`UPDATE calls_by_correlation SET counted = false WHERE correlation_id = ? IF counted = true`,
		call.CorrelationID,
	).WithContext(ctx).ScanCAS(&prev)
	if err != nil {
		return fmt.Errorf("call store: unmark counted: %w", err)
	}
	call.Counted = false
	return nil
}

// CountInFlight counts the campaign's call records that have not reached
// a terminal status. Resume offset derivation uses this so calls still
// ringing at a pause or crash are never re-dialed.
func (s *CallStore) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	iter := s.session.Query(
		`SELECT status FROM calls_by_campaign WHERE campaign_id = ?`,
		campaignID.String(),
	).WithContext(ctx).Iter()

	var status string
	count := 0
	for iter.Scan(&status) {
		if !domain.CallStatus(status).Terminal() {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("call store: count in-flight: %w", err)
	}
	return count, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
