package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type topUpRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

func (h *HandlerSet) balance(ctx *fiber.Ctx) error {
	userID, err := uuid.Parse(ctx.Params("user_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid user id")
	}

	amount, err := h.container.Repositories().Billing.Balance(ctx.Context(), userID)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(fiber.Map{"user_id": userID, "balance": amount.String()})
}

func (h *HandlerSet) topUp(ctx *fiber.Ctx) error {
	var req topUpRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid user_id")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return fiber.NewError(http.StatusBadRequest, "amount must be a positive decimal")
	}

	if err := h.billing.TopUp(ctx.Context(), userID, amount, req.Description); err != nil {
		return translateError(err)
	}

	balance, err := h.container.Repositories().Billing.Balance(ctx.Context(), userID)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(fiber.Map{"user_id": userID, "balance": balance.String()})
}
