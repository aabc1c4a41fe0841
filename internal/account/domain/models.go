// Package domain contains the account model and its store contract.
package domain

import "time"

// Tier is the plan level that determines an account's monthly allowance.
type Tier string

const (
	TierGuest Tier = "guest"
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
)

func (t Tier) Valid() bool {
	switch t {
	case TierGuest, TierFree, TierPro:
		return true
	default:
		return false
	}
}

// Account is the per-user credit state. CreditsBalance is only written by the ledger engine.
type Account struct {
	ID                  string    `json:"id" gorm:"primaryKey;type:varchar(191)"`
	Email               string    `json:"email" gorm:"type:varchar(320);not null;default:''"`
	Tier                Tier      `json:"tier" gorm:"type:varchar(16);not null"`
	CreditsBalance      int64     `json:"credits_balance" gorm:"not null;default:0;check:credits_balance >= 0"`
	CreditsMonthlyLimit int64     `json:"credits_monthly_limit" gorm:"not null;default:0"`
	CreditsResetAt      time.Time `json:"credits_reset_at" gorm:"not null;index"`
	ReferralCode        string    `json:"referral_code" gorm:"type:varchar(32);not null;uniqueIndex"`
	ReferredBy          *string   `json:"referred_by,omitempty" gorm:"type:varchar(191)"`
	CreatedAt           time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// ResetAnchorDay is the day of month allowance resets fall on: the day the
// account was created, clamped in shorter months.
func (a Account) ResetAnchorDay() int {
	if a.CreatedAt.IsZero() {
		return a.CreditsResetAt.UTC().Day()
	}
	return a.CreatedAt.UTC().Day()
}

// AddMonths moves t by months and lands on day, or on the last day of the
// target month when it is shorter. The time of day is kept.
func AddMonths(t time.Time, months, day int) time.Time {
	if day < 1 || day > 31 {
		day = t.Day()
	}
	year, month, _ := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, last)-1)
}

// NextResetAfter advances from by whole months, anchored on anchorDay, until
// the result is after now.
func NextResetAfter(from, now time.Time, anchorDay int) time.Time {
	next := from.UTC()
	if next.IsZero() {
		next = now.UTC()
	}
	for !next.After(now) {
		next = AddMonths(next, 1, anchorDay)
	}
	return next
}
