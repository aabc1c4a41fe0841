package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Upsert inserts the row or overwrites the lifecycle columns of the row with
	// the same external subscription id.
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindLatestByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)
	MarkCancelled(ctx context.Context, db *gorm.DB, externalID string, cancelledAt, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, externalID string, endsAt, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, externalID string, status SubscriptionStatus, periodEnd *time.Time, now time.Time) (bool, error)
}
