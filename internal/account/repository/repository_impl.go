package repository

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *accountdomain.Account) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*accountdomain.Account, error) {
	return r.first(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id string) (*accountdomain.Account, error) {
	return r.first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id))
}

func (r *repo) FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*accountdomain.Account, error) {
	return r.first(db.WithContext(ctx).Where("referral_code = ?", code))
}

func (r *repo) first(query *gorm.DB) (*accountdomain.Account, error) {
	var account accountdomain.Account
	if err := query.Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, id string, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts SET credits_balance = ?, updated_at = ? WHERE id = ?`,
		balance,
		now,
		id,
	).Error
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, id string, tier accountdomain.Tier, monthlyLimit, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET tier = ?, credits_monthly_limit = ?, credits_balance = ?, updated_at = ?
		 WHERE id = ?`,
		tier,
		monthlyLimit,
		balance,
		now,
		id,
	).Error
}

func (r *repo) UpdateReset(ctx context.Context, db *gorm.DB, id string, balance int64, nextReset, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits_balance = ?, credits_reset_at = ?, updated_at = ?
		 WHERE id = ?`,
		balance,
		nextReset,
		now,
		id,
	).Error
}

func (r *repo) SetReferredBy(ctx context.Context, db *gorm.DB, id, referrerID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET referred_by = ?, updated_at = ? WHERE id = ? AND referred_by IS NULL`,
		referrerID,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListDueForReset(ctx context.Context, db *gorm.DB, now time.Time, afterID string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM accounts
		 WHERE credits_reset_at <= ? AND id > ?
		 ORDER BY id
		 LIMIT ?`,
		now,
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
