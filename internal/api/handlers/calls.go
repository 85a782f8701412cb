package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/domain"
	campaignsvc "github.com/acme/voice-campaign/internal/service/campaign"
)

type testCallRequest struct {
	UserID        string `json:"user_id"`
	CallerID      string `json:"caller_id"`
	PhoneNumber   string `json:"phone_number"`
	MessageScript string `json:"message_script"`
	TransferKey   string `json:"transfer_key"`
}

type callResponse struct {
	ID            uuid.UUID         `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	CampaignID    *uuid.UUID        `json:"campaign_id,omitempty"`
	PhoneNumber   string            `json:"phone_number"`
	ContactName   string            `json:"contact_name,omitempty"`
	Status        domain.CallStatus `json:"status"`
	Duration      int               `json:"duration"`
	DTMFDigits    string            `json:"dtmf_digits,omitempty"`
	TransferredTo string            `json:"transferred_to,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Error         string            `json:"error,omitempty"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (h *HandlerSet) testCall(ctx *fiber.Ctx) error {
	var req testCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid user_id")
	}
	callerID, err := uuid.Parse(req.CallerID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid caller_id")
	}

	call, err := h.campaigns.TestCall(ctx.Context(), campaignsvc.TestCallParams{
		UserID:        userID,
		CallerIDID:    callerID,
		PhoneNumber:   req.PhoneNumber,
		MessageScript: req.MessageScript,
		TransferKey:   req.TransferKey,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toCallResponse(call))
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	correlationID := ctx.Params("correlation_id")
	if correlationID == "" {
		return fiber.NewError(http.StatusBadRequest, "correlation id is required")
	}

	call, err := h.container.Repositories().CallStore.GetByCorrelationID(ctx.Context(), correlationID)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCallResponse(call))
}

func toCallResponse(call *domain.Call) callResponse {
	return callResponse{
		ID:            call.ID,
		CorrelationID: call.CorrelationID,
		CampaignID:    call.CampaignID,
		PhoneNumber:   call.PhoneNumber,
		ContactName:   call.ContactName,
		Status:        call.Status,
		Duration:      call.Duration,
		DTMFDigits:    call.DTMFDigits,
		TransferredTo: call.TransferredTo,
		RetryCount:    call.RetryCount,
		Error:         call.ErrorMessage,
		StartTime:     call.StartTime,
		EndTime:       call.EndTime,
		CreatedAt:     call.CreatedAt,
	}
}
