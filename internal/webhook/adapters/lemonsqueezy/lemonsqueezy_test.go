package lemonsqueezy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"meta":{"event_name":"subscription_created"}}`)
	adapter := &Adapter{webhookSecret: "secret"}

	headers := http.Header{}
	headers.Set(SignatureHeader, sign("secret", payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set(SignatureHeader, sign("other", payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), webhookdomain.ErrInvalidSignature)

	headers.Set(SignatureHeader, sign("secret", append(payload, ' ')))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), webhookdomain.ErrInvalidSignature)
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(webhookdomain.AdapterConfig{Provider: ProviderName, Secret: " "})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidConfig)
}

func TestParseSubscriptionEvents(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}

	tests := []struct {
		name       string
		payload    string
		wantKind   subscriptiondomain.EventKind
		wantExtID  string
		wantStatus string
	}{{
		name:       "created",
		payload:    `{"meta":{"event_name":"subscription_created","custom_data":{"user_id":"user-1"}},"data":{"type":"subscriptions","id":"101","attributes":{"status":"on_trial","customer_id":5,"order_id":9,"product_id":3,"variant_id":4,"renews_at":"2025-07-01T00:00:00.000000Z","updated_at":"2025-06-01T00:00:00Z"}}}`,
		wantKind:   subscriptiondomain.EventCreated,
		wantExtID:  "101",
		wantStatus: "on_trial",
	}, {
		name:       "cancelled",
		payload:    `{"meta":{"event_name":"subscription_cancelled","custom_data":{"user_id":"user-1"}},"data":{"id":101,"attributes":{"status":"cancelled","ends_at":"2025-07-01T00:00:00Z"}}}`,
		wantKind:   subscriptiondomain.EventCancelled,
		wantExtID:  "101",
		wantStatus: "cancelled",
	}, {
		name:      "payment failed uses the invoice's subscription id",
		payload:   `{"meta":{"event_name":"subscription_payment_failed","custom_data":{"user_id":"user-1"}},"data":{"type":"subscription-invoices","id":"inv-8","attributes":{"subscription_id":101}}}`,
		wantKind:  subscriptiondomain.EventPaymentFailed,
		wantExtID: "101",
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := adapter.Parse(context.Background(), []byte(tc.payload))
			require.NoError(t, err)
			require.Equal(t, webhookdomain.EventKindSubscription, event.Kind)
			require.NotNil(t, event.Subscription)
			assert.Equal(t, tc.wantKind, event.Subscription.Kind)
			assert.Equal(t, tc.wantExtID, event.Subscription.ExternalSubscriptionID)
			assert.Equal(t, tc.wantExtID, event.ExternalID)
			assert.Equal(t, "user-1", event.AccountID)
			assert.Equal(t, tc.wantStatus, event.Subscription.ExternalStatus)
		})
	}
}

func TestParseSubscriptionAttributes(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}
	payload := `{"meta":{"event_name":"subscription_updated","custom_data":{"user_id":" user-1 "}},"data":{"id":"101","attributes":{"status":"active","customer_id":5,"variant_id":"44","current_period_start":"2025-06-01T00:00:00Z","renews_at":"2025-07-01T00:00:00Z","updated_at":"2025-06-02T03:04:05Z"}}}`

	event, err := adapter.Parse(context.Background(), []byte(payload))
	require.NoError(t, err)
	sub := event.Subscription
	assert.Equal(t, "user-1", sub.AccountID)
	assert.Equal(t, "5", sub.ExternalCustomerID)
	assert.Equal(t, "44", sub.ExternalVariantID)
	require.NotNil(t, sub.PeriodStart)
	require.NotNil(t, sub.PeriodEnd)
	assert.True(t, sub.PeriodEnd.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, sub.OccurredAt.Equal(time.Date(2025, 6, 2, 3, 4, 5, 0, time.UTC)))
	assert.Nil(t, sub.EndsAt)
}

func TestParseOrderCreated(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}

	event, err := adapter.Parse(context.Background(), []byte(`{"meta":{"event_name":"order_created","custom_data":{"user_id":"user-1","type":"credit_topup","credits_amount":1500}},"data":{"id":321,"attributes":{"total":"1299"}}}`))
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.EventKindPurchase, event.Kind)
	require.NotNil(t, event.Purchase)
	assert.Equal(t, "321", event.Purchase.ExternalOrderID)
	assert.Equal(t, int64(1500), event.Purchase.CreditsAmount)
	assert.Equal(t, int64(1299), event.Purchase.AmountCents)

	_, err = adapter.Parse(context.Background(), []byte(`{"meta":{"event_name":"order_created","custom_data":{"type":"credit_topup","credits_amount":"lots"}},"data":{"id":"1"}}`))
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidPayload)
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	adapter := &Adapter{webhookSecret: "secret"}

	for _, payload := range []string{
		`{"meta":{"event_name":"order_refunded"},"data":{"id":"1"}}`,
		`{"meta":{"event_name":"order_created","custom_data":{"type":"subscription"}},"data":{"id":"1"}}`,
	} {
		_, err := adapter.Parse(context.Background(), []byte(payload))
		assert.ErrorIs(t, err, webhookdomain.ErrEventIgnored)
	}

	_, err := adapter.Parse(context.Background(), []byte(`{"meta":{}}`))
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvent)

	_, err = adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidPayload)
}
