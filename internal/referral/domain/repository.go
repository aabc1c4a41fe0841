package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, referral *Referral) error
	CountByReferrer(ctx context.Context, db *gorm.DB, referrerID string) (count int64, earned int64, err error)
}
