package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert returns false when the order was already recorded.
	Insert(ctx context.Context, db *gorm.DB, purchase *CreditPurchase) (bool, error)
	FindByExternalOrderID(ctx context.Context, db *gorm.DB, orderID string) (*CreditPurchase, error)
}
