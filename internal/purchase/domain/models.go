// Package domain contains one-time credit top-up purchases.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PurchaseStatus string

const PurchaseStatusCompleted PurchaseStatus = "completed"

// CreditPurchase is recorded once per provider order. The unique
// external_order_id is what makes redelivery harmless.
type CreditPurchase struct {
	ID              snowflake.ID   `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	AccountID       string         `json:"account_id" gorm:"type:varchar(191);not null;index"`
	ExternalOrderID string         `json:"external_order_id" gorm:"type:varchar(191);not null;uniqueIndex"`
	AmountCents     int64          `json:"amount_cents" gorm:"not null;default:0"`
	CreditsAmount   int64          `json:"credits_amount" gorm:"not null"`
	Status          PurchaseStatus `json:"status" gorm:"type:varchar(16);not null"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
}

func (CreditPurchase) TableName() string { return "credit_purchases" }

// OrderEvent is a paid top-up order reported by the billing provider.
type OrderEvent struct {
	AccountID       string
	ExternalOrderID string
	AmountCents     int64
	// CreditsAmount falls back to the configured default top-up when zero.
	CreditsAmount int64
}

type RecordResult struct {
	Purchase   *CreditPurchase
	Applied    bool
	NewBalance int64
}
