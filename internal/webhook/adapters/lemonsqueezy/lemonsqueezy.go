package lemonsqueezy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
)

const (
	ProviderName    = "lemonsqueezy"
	SignatureHeader = "X-Signature"

	customTypeCreditTopUp = "credit_topup"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg webhookdomain.AdapterConfig) (webhookdomain.Adapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, webhookdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

// Verify checks X-Signature, the hex HMAC-SHA256 of the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.ToLower(strings.TrimSpace(headers.Get(SignatureHeader)))
	if signature == "" {
		return webhookdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return webhookdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*webhookdomain.Event, error) {
	var event lemonEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	name := strings.TrimSpace(event.Meta.EventName)
	if name == "" {
		return nil, webhookdomain.ErrInvalidEvent
	}

	switch name {
	case "subscription_created":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventCreated)
	case "subscription_updated":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventUpdated)
	case "subscription_resumed":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventResumed)
	case "subscription_cancelled":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventCancelled)
	case "subscription_expired":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventExpired)
	case "subscription_payment_failed":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventPaymentFailed)
	case "subscription_payment_success":
		return a.subscriptionEvent(name, event, subscriptiondomain.EventPaymentSuccess)
	case "order_created":
		if strings.TrimSpace(event.Meta.CustomData.Type.String()) != customTypeCreditTopUp {
			return nil, webhookdomain.ErrEventIgnored
		}
		return a.orderEvent(name, event)
	default:
		return nil, webhookdomain.ErrEventIgnored
	}
}

func (a *Adapter) subscriptionEvent(name string, event lemonEvent, kind subscriptiondomain.EventKind) (*webhookdomain.Event, error) {
	attrs := event.Data.Attributes
	externalID := event.Data.ID.String()
	// Payment events carry a subscription invoice; the subscription id is an attribute.
	if kind == subscriptiondomain.EventPaymentFailed || kind == subscriptiondomain.EventPaymentSuccess {
		if id := attrs.SubscriptionID.String(); id != "" {
			externalID = id
		}
	}
	if externalID == "" {
		return nil, webhookdomain.ErrInvalidEvent
	}

	accountID := strings.TrimSpace(event.Meta.CustomData.UserID.String())
	lifecycle := &subscriptiondomain.LifecycleEvent{
		Kind:                   kind,
		AccountID:              accountID,
		ExternalSubscriptionID: externalID,
		ExternalCustomerID:     attrs.CustomerID.String(),
		ExternalOrderID:        attrs.OrderID.String(),
		ExternalProductID:      attrs.ProductID.String(),
		ExternalVariantID:      attrs.VariantID.String(),
		ExternalStatus:         strings.TrimSpace(attrs.Status),
		PeriodStart:            parseTime(attrs.CurrentPeriodStart),
		PeriodEnd:              parseTime(attrs.RenewsAt),
		EndsAt:                 parseTime(attrs.EndsAt),
	}
	if updated := parseTime(attrs.UpdatedAt); updated != nil {
		lifecycle.OccurredAt = *updated
	}

	return &webhookdomain.Event{
		Provider:     ProviderName,
		Name:         name,
		Kind:         webhookdomain.EventKindSubscription,
		AccountID:    accountID,
		ExternalID:   externalID,
		Subscription: lifecycle,
	}, nil
}

func (a *Adapter) orderEvent(name string, event lemonEvent) (*webhookdomain.Event, error) {
	orderID := event.Data.ID.String()
	if orderID == "" {
		return nil, webhookdomain.ErrInvalidEvent
	}
	accountID := strings.TrimSpace(event.Meta.CustomData.UserID.String())

	credits := int64(0)
	if raw := event.Meta.CustomData.CreditsAmount.String(); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return nil, webhookdomain.ErrInvalidPayload
		}
		credits = parsed
	}

	total := int64(0)
	if raw := event.Data.Attributes.Total.String(); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, webhookdomain.ErrInvalidPayload
		}
		total = parsed
	}

	return &webhookdomain.Event{
		Provider:   ProviderName,
		Name:       name,
		Kind:       webhookdomain.EventKindPurchase,
		AccountID:  accountID,
		ExternalID: orderID,
		Purchase: &purchasedomain.OrderEvent{
			AccountID:       accountID,
			ExternalOrderID: orderID,
			AmountCents:     total,
			CreditsAmount:   credits,
		},
	}, nil
}

type lemonEvent struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID        flexString `json:"user_id"`
			Type          flexString `json:"type"`
			CreditsAmount flexString `json:"credits_amount"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string     `json:"type"`
		ID         flexString `json:"id"`
		Attributes struct {
			Status             string     `json:"status"`
			CustomerID         flexString `json:"customer_id"`
			OrderID            flexString `json:"order_id"`
			ProductID          flexString `json:"product_id"`
			VariantID          flexString `json:"variant_id"`
			SubscriptionID     flexString `json:"subscription_id"`
			Total              flexString `json:"total"`
			CurrentPeriodStart string     `json:"current_period_start"`
			RenewsAt           string     `json:"renews_at"`
			EndsAt             string     `json:"ends_at"`
			UpdatedAt          string     `json:"updated_at"`
		} `json:"attributes"`
	} `json:"data"`
}

// flexString accepts a JSON string or number. The provider sends ids as
// numbers in attributes and as strings elsewhere.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string {
	return string(f)
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
