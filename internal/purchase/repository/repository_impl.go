package repository

import (
	"context"

	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() purchasedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, purchase *purchasedomain.CreditPurchase) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_order_id"}}, DoNothing: true}).
		Create(purchase)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByExternalOrderID(ctx context.Context, db *gorm.DB, orderID string) (*purchasedomain.CreditPurchase, error) {
	var purchase purchasedomain.CreditPurchase
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, external_order_id, amount_cents, credits_amount, status, created_at
		 FROM credit_purchases WHERE external_order_id = ?`,
		orderID,
	).Scan(&purchase).Error
	if err != nil {
		return nil, err
	}
	if purchase.ID == 0 {
		return nil, nil
	}
	return &purchase, nil
}
