package telephony

import "context"

// CallRequest carries everything the voice provider needs to place one
// outbound scripted call.
type CallRequest struct {
	CorrelationID string
	PhoneNumber   string
	CallerID      string
	Script        string
	TransferKey   string
}

// Provider abstracts the voice provider's call-placement operation.
// PlaceCall may fail synchronously; the call's outcome always arrives
// later through the provider's webhook, never on this path.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) error
}
