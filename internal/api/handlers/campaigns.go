package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign/internal/domain"
	campaignsvc "github.com/acme/voice-campaign/internal/service/campaign"
)

type createCampaignRequest struct {
	Name            string `json:"name"`
	UserID          string `json:"user_id"`
	CallerID        string `json:"caller_id"`
	ContactSourceID string `json:"contact_source_id"`
	MessageScript   string `json:"message_script"`
	TransferKey     string `json:"transfer_key"`
	CallsPerMinute  int    `json:"calls_per_minute"`
}

type campaignResponse struct {
	ID                uuid.UUID             `json:"id"`
	Name              string                `json:"name"`
	Status            domain.CampaignStatus `json:"status"`
	CallsPerMinute    int                   `json:"calls_per_minute"`
	TransferKey       string                `json:"transfer_key"`
	TotalContacts     int                   `json:"total_contacts"`
	ProcessedContacts int                   `json:"processed_contacts"`
	Progress          int                   `json:"progress"`
	CallCounts        map[string]int64      `json:"call_counts"`
	StartTime         *time.Time            `json:"start_time,omitempty"`
	EndTime           *time.Time            `json:"end_time,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

type startCampaignResponse struct {
	Campaign      campaignResponse `json:"campaign"`
	CallsAccepted int              `json:"calls_accepted"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
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
	sourceID, err := uuid.Parse(req.ContactSourceID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid contact_source_id")
	}

	campaign, err := h.campaigns.Create(ctx.Context(), campaignsvc.CreateParams{
		Name:            req.Name,
		UserID:          userID,
		CallerIDID:      callerID,
		ContactSourceID: sourceID,
		MessageScript:   req.MessageScript,
		TransferKey:     req.TransferKey,
		CallsPerMinute:  req.CallsPerMinute,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCampaignResponse(campaign))
}

type campaignStatusResponse struct {
	ID                uuid.UUID             `json:"id"`
	Status            domain.CampaignStatus `json:"status"`
	TotalContacts     int                   `json:"total_contacts"`
	ProcessedContacts int                   `json:"processed_contacts"`
	Progress          int                   `json:"progress"`
	CallCounts        map[string]int64      `json:"call_counts"`
	StartTime         *time.Time            `json:"start_time,omitempty"`
	EndTime           *time.Time            `json:"end_time,omitempty"`
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	counts := make(map[string]int64, 6)
	for status, count := range campaign.CallCounts.ByStatus() {
		counts[string(status)] = count
	}

	return ctx.JSON(campaignStatusResponse{
		ID:                campaign.ID,
		Status:            campaign.Status,
		TotalContacts:     campaign.TotalContacts,
		ProcessedContacts: campaign.ProcessedContacts,
		Progress:          campaign.ProgressPercentage(),
		CallCounts:        counts,
		StartTime:         campaign.StartTime,
		EndTime:           campaign.EndTime,
	})
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	receipt, err := h.campaigns.Start(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(startCampaignResponse{
		Campaign:      toCampaignResponse(receipt.Campaign),
		CallsAccepted: receipt.CallsAccepted,
	})
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Pause(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(toCampaignResponse(campaign))
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	counts := make(map[string]int64, 6)
	for status, count := range campaign.CallCounts.ByStatus() {
		counts[string(status)] = count
	}

	return campaignResponse{
		ID:                campaign.ID,
		Name:              campaign.Name,
		Status:            campaign.Status,
		CallsPerMinute:    campaign.CallsPerMinute,
		TransferKey:       campaign.TransferKey,
		TotalContacts:     campaign.TotalContacts,
		ProcessedContacts: campaign.ProcessedContacts,
		Progress:          campaign.ProgressPercentage(),
		CallCounts:        counts,
		StartTime:         campaign.StartTime,
		EndTime:           campaign.EndTime,
		CreatedAt:         campaign.CreatedAt,
		UpdatedAt:         campaign.UpdatedAt,
	}
}
