package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/creditflow/internal/config"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obstracing "github.com/smallbiznis/creditflow/internal/observability/tracing"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// HTTPOperation forwards the invocation as JSON to a fixed endpoint and returns
// the response body as the result.
type HTTPOperation struct {
	endpoint string
	client   *http.Client
}

func NewHTTPOperation(endpoint string, client *http.Client) *HTTPOperation {
	if client == nil {
		client = obstracing.WrapHTTPClient(&http.Client{})
	}
	return &HTTPOperation{endpoint: endpoint, client: client}
}

type httpInvocation struct {
	AccountID string          `json:"account_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UnitCount int64           `json:"unit_count,omitempty"`
}

func (o *HTTPOperation) Invoke(ctx context.Context, inv gatewaydomain.Invocation) (json.RawMessage, error) {
	body, err := json.Marshal(httpInvocation{
		AccountID: inv.AccountID,
		Action:    string(inv.Action),
		Payload:   inv.Payload,
		UnitCount: inv.Units,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("upstream returned invalid json")
	}
	return json.RawMessage(raw), nil
}

// NewConfiguredRegistry registers an HTTP operation for every action in
// GATEWAY_UPSTREAM_URLS.
func NewConfiguredRegistry(cfg config.Config, log *zap.Logger) *Registry {
	registry := NewRegistry()
	client := obstracing.WrapHTTPClient(&http.Client{})
	for action, endpoint := range cfg.Gateway.UpstreamURLs {
		action = strings.TrimSpace(action)
		endpoint = strings.TrimSpace(endpoint)
		if action == "" || endpoint == "" {
			continue
		}
		if !ledgerdomain.Action(action).Valid() {
			log.Warn("ignoring upstream for unknown action", zap.String("action", action))
			continue
		}
		registry.Register(ledgerdomain.Action(action), NewHTTPOperation(endpoint, client))
	}
	return registry
}
