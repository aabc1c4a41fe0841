package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidAction  = errors.New("invalid_action")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrInvalidTier    = errors.New("invalid_tier")
)

// InsufficientCreditsError carries the balance the caller saw and what the
// operation would have cost.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: balance %d, required %d", e.Balance, e.Required)
}
