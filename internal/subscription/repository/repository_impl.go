package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const selectColumns = `SELECT id, account_id, external_subscription_id, external_customer_id, external_order_id,
	 external_product_id, external_variant_id, plan, status, current_period_start, current_period_end,
	 cancel_at_period_end, cancelled_at, ends_at, created_at, updated_at
	 FROM subscriptions`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"account_id",
				"external_customer_id",
				"external_order_id",
				"external_product_id",
				"external_variant_id",
				"plan",
				"status",
				"current_period_start",
				"current_period_end",
				"cancel_at_period_end",
				"cancelled_at",
				"ends_at",
				"updated_at",
			}),
		}).
		Create(subscription).Error
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE external_subscription_id = ?`,
		externalID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindLatestByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE account_id = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		accountID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, externalID string, cancelledAt, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET cancel_at_period_end = ?, cancelled_at = ?, updated_at = ?
		 WHERE external_subscription_id = ?`,
		true,
		cancelledAt,
		now,
		externalID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, externalID string, status subscriptiondomain.SubscriptionStatus, periodEnd *time.Time, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, current_period_end = COALESCE(?, current_period_end), updated_at = ?
		 WHERE external_subscription_id = ?`,
		status,
		periodEnd,
		now,
		externalID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, externalID string, endsAt, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, ends_at = ?, updated_at = ?
		 WHERE external_subscription_id = ?`,
		subscriptiondomain.SubscriptionStatusExpired,
		endsAt,
		now,
		externalID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
