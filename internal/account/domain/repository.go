package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert returns false when an account with the same id already exists.
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Account, error)
	// FindByIDForUpdate row-locks the account for the enclosing transaction.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id string) (*Account, error)
	FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*Account, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, id string, balance int64, now time.Time) error
	UpdateTier(ctx context.Context, db *gorm.DB, id string, tier Tier, monthlyLimit, balance int64, now time.Time) error
	UpdateReset(ctx context.Context, db *gorm.DB, id string, balance int64, nextReset, now time.Time) error
	// SetReferredBy links the account to its referrer only if no link exists yet.
	SetReferredBy(ctx context.Context, db *gorm.DB, id, referrerID string, now time.Time) (bool, error)
	ListDueForReset(ctx context.Context, db *gorm.DB, now time.Time, afterID string, limit int) ([]string, error)
}
