package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrInvalidOrder   = errors.New("invalid_order")
	ErrMissingAccount = errors.New("purchase_account_missing")
	ErrInvalidCredits = errors.New("invalid_credits_amount")
)

type Service interface {
	// Record stores the order and credits the account exactly once per order id.
	Record(ctx context.Context, event OrderEvent) (*RecordResult, error)
	WithTx(tx *gorm.DB) Service
}
