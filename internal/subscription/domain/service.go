package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrInvalidEvent         = errors.New("invalid_subscription_event")
	ErrMissingAccount       = errors.New("subscription_account_missing")
	ErrUnsupportedEventKind = errors.New("unsupported_subscription_event")
)

type Service interface {
	// Apply reconciles one lifecycle event. Replaying the same event converges
	// to the same row and tier.
	Apply(ctx context.Context, event LifecycleEvent) (*Subscription, error)
	GetByAccount(ctx context.Context, accountID string) (*Subscription, error)
	WithTx(tx *gorm.DB) Service
}
