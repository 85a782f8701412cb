package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/voice-campaign/internal/repository"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrInsufficientCredits):
		// Carried through untouched so the error handler can attach
		// the required and available amounts.
		return err
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrConflict) || errors.Is(err, repository.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

// insufficientCreditsBody shapes the payment-required response, exposing
// how much the operation needs versus what the account holds.
func insufficientCreditsBody(err error) (fiber.Map, int, bool) {
	var credits *apperrors.InsufficientCreditsError
	if !errors.As(err, &credits) {
		return nil, 0, false
	}
	return fiber.Map{
		"error":     "insufficient credits",
		"required":  credits.Required.String(),
		"available": credits.Available.String(),
	}, http.StatusPaymentRequired, true
}
