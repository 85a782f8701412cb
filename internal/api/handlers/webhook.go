package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
)

// voiceWebhookRequest mirrors the provider's completion callback payload.
// CallID carries the correlation id the call was dispatched with.
type voiceWebhookRequest struct {
	CallID     string `json:"callId"`
	Status     string `json:"status"`
	Duration   int    `json:"duration"`
	DTMFDigits string `json:"dtmfDigits"`
}

// voiceWebhook accepts provider outcome callbacks. It always answers 200:
// the provider retries non-2xx responses, and a malformed or unknown
// event is something to log, not something the provider can fix by
// resending.
func (h *HandlerSet) voiceWebhook(ctx *fiber.Ctx) error {
	var req voiceWebhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		h.logger.Warn("webhook: unparseable payload", zap.Error(err))
		return ctx.JSON(fiber.Map{"received": true})
	}

	if req.CallID == "" {
		h.logger.Warn("webhook: payload without call id")
		return ctx.JSON(fiber.Map{"received": true})
	}

	event := domain.ProviderEvent{
		CorrelationID: req.CallID,
		Status:        req.Status,
		Duration:      req.Duration,
		DTMFDigits:    req.DTMFDigits,
		OccurredAt:    time.Now().UTC(),
	}
	if err := h.ingest.Ingest(ctx.Context(), event); err != nil {
		h.logger.Error("webhook: enqueue event",
			zap.String("correlation_id", req.CallID), zap.Error(err))
	}

	return ctx.JSON(fiber.Map{"received": true})
}
