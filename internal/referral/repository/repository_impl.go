package repository

import (
	"context"

	referraldomain "github.com/smallbiznis/creditflow/internal/referral/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() referraldomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, referral *referraldomain.Referral) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO referrals (
			id, referrer_id, referred_id, referral_code, referrer_credits_awarded,
			referred_credits_awarded, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		referral.ID,
		referral.ReferrerID,
		referral.ReferredID,
		referral.ReferralCode,
		referral.ReferrerCreditsAwarded,
		referral.ReferredCreditsAwarded,
		referral.CreatedAt,
	).Error
}

type countRow struct {
	Count  int64
	Earned int64
}

func (r *repo) CountByReferrer(ctx context.Context, db *gorm.DB, referrerID string) (int64, int64, error) {
	var row countRow
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(referrer_credits_awarded), 0) AS earned
		 FROM referrals WHERE referrer_id = ?`,
		referrerID,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Count, row.Earned, nil
}
