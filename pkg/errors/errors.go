package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinels for domain errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation error")
	ErrUnavailable         = errors.New("service unavailable")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// InsufficientCreditsError reports the shortfall that blocked a billable unit.
// It matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
