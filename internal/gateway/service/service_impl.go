package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/costpolicy"
	"github.com/smallbiznis/creditflow/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	refundTimeout          = 10 * time.Second
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Policy     *costpolicy.Policy
	LedgerSvc  ledgerdomain.Service
	Operations *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	policy     *costpolicy.Policy
	ledgerSvc  ledgerdomain.Service
	operations *adapters.Registry
	timeout    time.Duration
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) gatewaydomain.Service {
	timeout := p.Cfg.Gateway.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Service{
		log:        p.Log.Named("gateway.service"),
		policy:     p.Policy,
		ledgerSvc:  p.LedgerSvc,
		operations: p.Operations,
		timeout:    timeout,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Execute(ctx context.Context, accountID string, req gatewaydomain.Request) (*gatewaydomain.Response, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}

	cost, err := s.policy.Cost(req.Action, req.Units)
	if err != nil {
		return nil, err
	}
	op, ok := s.operations.Lookup(req.Action)
	if !ok {
		return nil, gatewaydomain.ErrOperationUnavailable
	}

	charged, err := s.ledgerSvc.Deduct(ctx, ledgerdomain.MutationRequest{
		AccountID: accountID,
		Action:    req.Action,
		Amount:    cost,
		Metadata:  chargeMetadata(req),
	})
	if err != nil {
		return nil, err
	}
	if !charged.Success {
		return nil, &ledgerdomain.InsufficientCreditsError{Balance: charged.NewBalance, Required: cost}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result, invokeErr := op.Invoke(invokeCtx, gatewaydomain.Invocation{
		AccountID: accountID,
		Action:    req.Action,
		Payload:   req.Payload,
		Units:     req.Units,
	})
	cancel()
	if invokeErr != nil {
		s.refund(ctx, accountID, req.Action, cost, invokeErr)
		return nil, &gatewaydomain.UpstreamError{Action: req.Action, Err: invokeErr}
	}

	return &gatewaydomain.Response{
		Result:           result,
		CreditsRemaining: charged.NewBalance,
		CreditsUsed:      cost,
	}, nil
}

func (s *Service) Deduct(ctx context.Context, accountID string, req gatewaydomain.Request) (*gatewaydomain.DeductResponse, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, gatewaydomain.ErrInvalidRequest
	}

	cost, err := s.policy.Cost(req.Action, req.Units)
	if err != nil {
		return nil, err
	}

	charged, err := s.ledgerSvc.Deduct(ctx, ledgerdomain.MutationRequest{
		AccountID: accountID,
		Action:    req.Action,
		Amount:    cost,
		Metadata:  chargeMetadata(req),
	})
	if err != nil {
		return nil, err
	}
	if !charged.Success {
		return nil, &ledgerdomain.InsufficientCreditsError{Balance: charged.NewBalance, Required: cost}
	}
	return &gatewaydomain.DeductResponse{
		Success:    true,
		NewBalance: charged.NewBalance,
		Deducted:   cost,
	}, nil
}

// refund reverses a charge whose operation failed. It runs detached from the
// request context so a disconnected caller still gets the credits back.
func (s *Service) refund(ctx context.Context, accountID string, action ledgerdomain.Action, amount int64, cause error) {
	reason := "upstream_error"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "upstream_timeout"
	}

	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	log := obslogger.WithContext(ctx, s.log)
	_, err := s.ledgerSvc.Add(refundCtx, ledgerdomain.MutationRequest{
		AccountID: accountID,
		Action:    ledgerdomain.ActionRefund,
		Amount:    amount,
		Metadata: map[string]any{
			"reversal_of": string(action),
			"reason":      reason,
		},
	})
	if err != nil {
		s.obsMetrics.RecordCompensation(ctx, string(action), "failed")
		log.Error("refund after failed operation did not apply",
			zap.String("account_id", accountID),
			zap.String("action", string(action)),
			zap.Int64("amount", amount),
			zap.String("reason", reason),
			zap.NamedError("upstream_error", cause),
			zap.Error(err),
		)
		return
	}

	s.obsMetrics.RecordCompensation(ctx, string(action), "refunded")
	log.Warn("operation failed, charge refunded",
		zap.String("account_id", accountID),
		zap.String("action", string(action)),
		zap.Int64("amount", amount),
		zap.String("reason", reason),
	)
}

func chargeMetadata(req gatewaydomain.Request) map[string]any {
	metadata := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Units > 0 {
		metadata["unit_count"] = req.Units
	}
	return metadata
}
