package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/creditflow/internal/config"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPOperationForwardsInvocation(t *testing.T) {
	var got httpInvocation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	op := NewHTTPOperation(srv.URL, srv.Client())
	result, err := op.Invoke(context.Background(), gatewaydomain.Invocation{
		AccountID: "user-1",
		Action:    ledgerdomain.ActionExplain,
		Payload:   json.RawMessage(`{"q":"x"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(result))
	assert.Equal(t, "user-1", got.AccountID)
	assert.Equal(t, "explain", got.Action)
}

func TestHTTPOperationFailsOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPOperation(srv.URL, srv.Client()).Invoke(context.Background(), gatewaydomain.Invocation{Action: ledgerdomain.ActionLookup})
	assert.Error(t, err)
}

func TestHTTPOperationRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewHTTPOperation(srv.URL, srv.Client()).Invoke(context.Background(), gatewaydomain.Invocation{Action: ledgerdomain.ActionLookup})
	assert.Error(t, err)
}

func TestConfiguredRegistrySkipsUnknownActions(t *testing.T) {
	registry := NewConfiguredRegistry(config.Config{Gateway: config.GatewayConfig{
		UpstreamURLs: map[string]string{
			"explain":  "http://explain.internal/run",
			"teleport": "http://nowhere",
			"lookup":   " ",
		},
	}}, zap.NewNop())

	_, ok := registry.Lookup(ledgerdomain.ActionExplain)
	assert.True(t, ok)
	_, ok = registry.Lookup(ledgerdomain.ActionLookup)
	assert.False(t, ok)
	_, ok = registry.Lookup("teleport")
	assert.False(t, ok)
}
