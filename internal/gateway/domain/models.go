// Package domain contains the metered request contract: charge, invoke, refund
// on failure.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
)

var (
	ErrInvalidRequest       = errors.New("invalid_metered_request")
	ErrOperationUnavailable = errors.New("operation_unavailable")
)

type Request struct {
	Action   ledgerdomain.Action
	Payload  json.RawMessage
	Units    int64
	Metadata map[string]any
}

type Response struct {
	Result           json.RawMessage `json:"result"`
	CreditsRemaining int64           `json:"credits_remaining"`
	CreditsUsed      int64           `json:"credits_used"`
}

type DeductResponse struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"new_balance"`
	Deducted   int64 `json:"deducted"`
}

// Invocation is what an operation receives after the charge succeeded.
type Invocation struct {
	AccountID string
	Action    ledgerdomain.Action
	Payload   json.RawMessage
	Units     int64
}

// Operation performs one metered action. The context carries the upstream
// deadline.
type Operation interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// UpstreamError is returned after a charged operation failed and its charge
// was reversed.
type UpstreamError struct {
	Action ledgerdomain.Action
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Action, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type Service interface {
	Execute(ctx context.Context, accountID string, req Request) (*Response, error)
	// Deduct charges without invoking anything, for clients that perform the
	// operation themselves.
	Deduct(ctx context.Context, accountID string, req Request) (*DeductResponse, error)
}
