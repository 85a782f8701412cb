package queue

import "time"

// CallEventMessage carries one provider outcome event through Kafka, from
// the webhook handler (or the simulated provider) to the status worker.
type CallEventMessage struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Duration      int       `json:"duration"`
	DTMFDigits    string    `json:"dtmf_digits,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
