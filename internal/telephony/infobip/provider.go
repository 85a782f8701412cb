package infobip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/internal/telephony"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
)

// Provider places calls through the Infobip advanced-TTS endpoint. API
// key and endpoint URL come from the settings store on every call so
// operator credential rotation takes effect without a restart.
type Provider struct {
	settings repository.SettingsStore
	client   *http.Client
}

// NewProvider constructs the Infobip provider.
func NewProvider(settings repository.SettingsStore, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		settings: settings,
		client:   &http.Client{Timeout: timeout},
	}
}

type callPayload struct {
	Messages []message `json:"messages"`
}

type message struct {
	From         string        `json:"from"`
	Destinations []destination `json:"destinations"`
	Text         string        `json:"text"`
	Language     string        `json:"language"`
	NotifyURL    string        `json:"notifyUrl,omitempty"`
	CallbackData string        `json:"callbackData"`
	DTMFTimeout  int           `json:"dtmfTimeout,omitempty"`
	MaxDTMF      int           `json:"maxDtmf,omitempty"`
}

type destination struct {
	To string `json:"to"`
}

// PlaceCall submits the scripted call. The correlation id travels as
// callbackData so the webhook can match the outcome back to the call.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) error {
	apiKey, err := p.settings.Get(ctx, repository.SettingInfobipAPIKey)
	if err != nil || apiKey == "" {
		return fmt.Errorf("infobip: api key not configured: %w", apperrors.ErrUnavailable)
	}
	voiceURL, err := p.settings.Get(ctx, repository.SettingInfobipVoiceURL)
	if err != nil {
		return fmt.Errorf("infobip: voice url: %w", err)
	}

	payload := callPayload{
		Messages: []message{{
			From:         req.CallerID,
			Destinations: []destination{{To: req.PhoneNumber}},
			Text:         req.Script,
			Language:     "en",
			CallbackData: req.CorrelationID,
			MaxDTMF:      len(req.TransferKey),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("infobip: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, voiceURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("infobip: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "App "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("infobip: place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("infobip: place call failed with status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
