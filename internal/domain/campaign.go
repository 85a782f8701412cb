package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether the campaign can never change state again.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// Calls-per-minute ceiling bounds enforced at campaign creation.
const (
	MinCallsPerMinute     = 1
	MaxCallsPerMinute     = 20
	DefaultCallsPerMinute = 10
)

// ClampCallsPerMinute forces a requested rate into the allowed range.
// Zero selects the default.
func ClampCallsPerMinute(rate int) int {
	if rate == 0 {
		return DefaultCallsPerMinute
	}
	if rate < MinCallsPerMinute {
		return MinCallsPerMinute
	}
	if rate > MaxCallsPerMinute {
		return MaxCallsPerMinute
	}
	return rate
}

// Campaign models an outbound scripted-call campaign.
type Campaign struct {
	ID                uuid.UUID
	Name              string
	UserID            uuid.UUID
	CallerIDID        uuid.UUID
	ContactSourceID   uuid.UUID
	MessageScript     string
	TransferKey       string
	CallsPerMinute    int
	Status            CampaignStatus
	TotalContacts     int
	ProcessedContacts int
	DispatchedCalls   int
	CallCounts        CallCounts
	StartTime         *time.Time
	EndTime           *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CallCounts holds per-terminal-status call counters for a campaign.
type CallCounts struct {
	Answered    int64
	Busy        int64
	NoAnswer    int64
	Failed      int64
	Transferred int64
	Completed   int64
}

// ByStatus returns the counters keyed by call status, suitable for the
// status breakdown exposed by the API.
func (c CallCounts) ByStatus() map[CallStatus]int64 {
	return map[CallStatus]int64{
		CallStatusAnswered:    c.Answered,
		CallStatusBusy:        c.Busy,
		CallStatusNoAnswer:    c.NoAnswer,
		CallStatusFailed:      c.Failed,
		CallStatusTransferred: c.Transferred,
		CallStatusCompleted:   c.Completed,
	}
}

// ProgressPercentage returns completion as a whole percentage.
func (c *Campaign) ProgressPercentage() int {
	if c.TotalContacts == 0 {
		return 0
	}
	return int(float64(c.ProcessedContacts)/float64(c.TotalContacts)*100 + 0.5)
}

// Contact is a single normalized dial target produced by a contact source.
type Contact struct {
	PhoneNumber string
	Name        string
	Metadata    map[string]string
}

// CallerID is a verified origination number owned by a user.
type CallerID struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	PhoneNumber string
	Verified    bool
	Active      bool
	CreatedAt   time.Time
}
