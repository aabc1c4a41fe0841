// Package domain contains referral claims between accounts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Referral records that ReferredID joined through ReferrerID's code. An account
// can be referred at most once, enforced by the unique referred_id column.
type Referral struct {
	ID                     snowflake.ID `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	ReferrerID             string       `json:"referrer_id" gorm:"type:varchar(191);not null;index"`
	ReferredID             string       `json:"referred_id" gorm:"type:varchar(191);not null;uniqueIndex"`
	ReferralCode           string       `json:"referral_code" gorm:"type:varchar(32);not null"`
	ReferrerCreditsAwarded int64        `json:"referrer_credits_awarded" gorm:"not null;default:0"`
	ReferredCreditsAwarded int64        `json:"referred_credits_awarded" gorm:"not null;default:0"`
	CreatedAt              time.Time    `json:"created_at" gorm:"not null"`
}

func (Referral) TableName() string { return "referrals" }

type ApplyResult struct {
	ReferrerID    string `json:"-"`
	CreditsEarned int64  `json:"credits_earned"`
	NewBalance    int64  `json:"new_balance"`
}

type Stats struct {
	ReferralCode       string `json:"referral_code"`
	ReferralsCount     int64  `json:"referrals_count"`
	TotalCreditsEarned int64  `json:"total_credits_earned"`
}
