// Package testing moves account reset times so the monthly sweep can be
// exercised without waiting for the calendar.
package testing

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TimeAccelerator rewrites credits_reset_at for tests and local runs.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// MakeDue moves one account's reset time to just before now.
func (ta *TimeAccelerator) MakeDue(ctx context.Context, accountID string, now time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits_reset_at = ?, updated_at = ?
		 WHERE id = ?`,
		now.Add(-time.Minute),
		now,
		accountID,
	).Error
}

// MakeAllDue moves every account whose reset is in the future to just before now.
func (ta *TimeAccelerator) MakeAllDue(ctx context.Context, now time.Time) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits_reset_at = ?, updated_at = ?
		 WHERE credits_reset_at > ?`,
		now.Add(-time.Minute),
		now,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SetResetAt sets an explicit reset time.
func (ta *TimeAccelerator) SetResetAt(ctx context.Context, accountID string, resetAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits_reset_at = ?, updated_at = ?
		 WHERE id = ?`,
		resetAt,
		time.Now().UTC(),
		accountID,
	).Error
}
