// Package domain contains inbound billing-provider webhook events.
package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	"gorm.io/datatypes"
)

// EventRecord is the audit row of an accepted delivery. DedupeKey is derived
// from the raw body, so only byte-identical redeliveries collide.
type EventRecord struct {
	ID          snowflake.ID   `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	Provider    string         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:ux_webhook_events_provider_dedupe,priority:1"`
	EventName   string         `json:"event_name" gorm:"type:varchar(64);not null"`
	DedupeKey   string         `json:"dedupe_key" gorm:"type:varchar(64);not null;uniqueIndex:ux_webhook_events_provider_dedupe,priority:2"`
	ExternalID  string         `json:"external_id" gorm:"type:varchar(191);not null;default:''"`
	AccountID   string         `json:"account_id" gorm:"type:varchar(191);not null;default:''"`
	Payload     datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

type EventKind string

const (
	EventKindSubscription EventKind = "subscription"
	EventKindPurchase     EventKind = "purchase"
)

// Event is what an adapter extracts from a verified payload. Exactly one of
// Subscription and Purchase is set, matching Kind.
type Event struct {
	Provider     string
	Name         string
	Kind         EventKind
	AccountID    string
	ExternalID   string
	Subscription *subscriptiondomain.LifecycleEvent
	Purchase     *purchasedomain.OrderEvent
}

type AdapterConfig struct {
	Provider string
	Secret   string
}

// Adapter verifies and parses one provider's webhook format.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns ErrEventIgnored for event types the service does not act on.
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
