// Package domain contains the local mirror of provider subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusUnpaid    SubscriptionStatus = "unpaid"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// MapExternalStatus normalizes a provider status. Trials count as active and
// anything unrecognized falls back to active.
func MapExternalStatus(status string) SubscriptionStatus {
	switch status {
	case "active", "on_trial":
		return SubscriptionStatusActive
	case "cancelled":
		return SubscriptionStatusCancelled
	case "expired":
		return SubscriptionStatusExpired
	case "past_due":
		return SubscriptionStatusPastDue
	case "paused":
		return SubscriptionStatusPaused
	case "unpaid":
		return SubscriptionStatusUnpaid
	default:
		return SubscriptionStatusActive
	}
}

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// Subscription mirrors one provider subscription. ExternalSubscriptionID is
// the reconciliation key.
type Subscription struct {
	ID                     snowflake.ID       `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	AccountID              string             `json:"account_id" gorm:"type:varchar(191);not null;index"`
	ExternalSubscriptionID string             `json:"external_subscription_id" gorm:"type:varchar(191);not null;uniqueIndex"`
	ExternalCustomerID     string             `json:"external_customer_id" gorm:"type:varchar(191);not null;default:''"`
	ExternalOrderID        string             `json:"external_order_id" gorm:"type:varchar(191);not null;default:''"`
	ExternalProductID      string             `json:"external_product_id" gorm:"type:varchar(191);not null;default:''"`
	ExternalVariantID      string             `json:"external_variant_id" gorm:"type:varchar(191);not null;default:''"`
	Plan                   Plan               `json:"plan" gorm:"type:varchar(16);not null"`
	Status                 SubscriptionStatus `json:"status" gorm:"type:varchar(16);not null"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CancelledAt            *time.Time         `json:"cancelled_at,omitempty"`
	EndsAt                 *time.Time         `json:"ends_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time          `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// EventKind is a provider lifecycle event after normalization.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventUpdated        EventKind = "updated"
	EventResumed        EventKind = "resumed"
	EventCancelled      EventKind = "cancelled"
	EventExpired        EventKind = "expired"
	EventPaymentFailed  EventKind = "payment_failed"
	EventPaymentSuccess EventKind = "payment_success"
)

// LifecycleEvent is the provider-neutral input to the reconciler.
type LifecycleEvent struct {
	Kind                   EventKind
	AccountID              string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalOrderID        string
	ExternalProductID      string
	ExternalVariantID      string
	ExternalStatus         string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	EndsAt                 *time.Time
	OccurredAt             time.Time
}
