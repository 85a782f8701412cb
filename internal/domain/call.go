package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusInitiated   CallStatus = "initiated"
	CallStatusInProgress  CallStatus = "in-progress"
	CallStatusAnswered    CallStatus = "answered"
	CallStatusBusy        CallStatus = "busy"
	CallStatusNoAnswer    CallStatus = "no-answer"
	CallStatusFailed      CallStatus = "failed"
	CallStatusTransferred CallStatus = "transferred"
	CallStatusCompleted   CallStatus = "completed"
)

// Terminal reports whether no further transition is valid from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusAnswered, CallStatusBusy, CallStatusNoAnswer,
		CallStatusFailed, CallStatusTransferred, CallStatusCompleted:
		return true
	}
	return false
}

// ValidTransition reports whether a call may move from one status to the
// next. Transitions are monotone toward a terminal state: a terminal call
// never moves again, initiated may go in-progress or straight to any
// terminal outcome, and in-progress may only land on a terminal outcome.
func ValidTransition(from, to CallStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case CallStatusInitiated:
		return to == CallStatusInProgress || to.Terminal()
	case CallStatusInProgress:
		return to.Terminal()
	}
	return false
}

// ParseCallStatus maps a provider-reported status string onto a CallStatus.
// The second return is false for statuses the system does not recognize.
func ParseCallStatus(s string) (CallStatus, bool) {
	switch CallStatus(s) {
	case CallStatusInitiated, CallStatusInProgress, CallStatusAnswered,
		CallStatusBusy, CallStatusNoAnswer, CallStatusFailed,
		CallStatusTransferred, CallStatusCompleted:
		return CallStatus(s), true
	}
	return "", false
}

// Call represents an individual outbound call. CampaignID is nil for
// standalone test calls. CorrelationID is minted at dispatch time and is
// the key provider webhooks are matched on.
type Call struct {
	ID            uuid.UUID
	CorrelationID string
	CampaignID    *uuid.UUID
	UserID        uuid.UUID
	CallerIDID    uuid.UUID
	PhoneNumber   string
	ContactName   string
	Status        CallStatus
	StartTime     *time.Time
	EndTime       *time.Time
	Duration      int // seconds
	DTMFDigits    string
	TransferredTo string
	Cost          decimal.Decimal
	ErrorMessage  string
	RetryCount    int
	Counted       bool
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProviderEvent is the asynchronous outcome report delivered by the voice
// provider's webhook (or by the internal simulated completion for test
// calls).
type ProviderEvent struct {
	CorrelationID string
	Status        string
	Duration      int // seconds
	DTMFDigits    string
	OccurredAt    time.Time
}
