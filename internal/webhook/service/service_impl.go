package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	"github.com/smallbiznis/creditflow/internal/webhook/adapters"
	"github.com/smallbiznis/creditflow/internal/webhook/adapters/lemonsqueezy"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Adapters        *adapters.Registry
	Repo            webhookdomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	PurchaseSvc     purchasedomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	adapters        *adapters.Registry
	secrets         map[string]string
	repo            webhookdomain.Repository
	subscriptionSvc subscriptiondomain.Service
	purchaseSvc     purchasedomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		adapters: p.Adapters,
		secrets: map[string]string{
			lemonsqueezy.ProviderName: p.Cfg.Webhook.LemonSqueezySecret,
		},
		repo:            p.Repo,
		subscriptionSvc: p.SubscriptionSvc,
		purchaseSvc:     p.PurchaseSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

// NewRegistry registers every supported provider.
func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(lemonsqueezy.NewFactory())
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return webhookdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return webhookdomain.ErrProviderNotFound
	}

	adapter, err := s.adapters.NewAdapter(provider, webhookdomain.AdapterConfig{
		Provider: provider,
		Secret:   s.secrets[provider],
	})
	if err != nil {
		s.log.Error("webhook adapter unavailable", zap.String("provider", provider), zap.Error(err))
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, "unknown", outcomeRejected)
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrEventIgnored) {
			s.obsMetrics.RecordWebhookEvent(ctx, provider, "unknown", outcomeIgnored)
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil
		}
		s.obsMetrics.RecordWebhookEvent(ctx, provider, "unknown", outcomeRejected)
		return err
	}

	err = s.process(ctx, provider, payload, event)
	switch {
	case errors.Is(err, webhookdomain.ErrEventAlreadyProcessed):
		s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Name, outcomeDuplicate)
		s.log.Info("webhook redelivery skipped",
			zap.String("provider", provider),
			zap.String("event", event.Name),
			zap.String("external_id", event.ExternalID),
		)
		return nil
	case err != nil:
		s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Name, outcomeFailed)
		return err
	}

	s.obsMetrics.RecordWebhookEvent(ctx, provider, event.Name, outcomeApplied)
	return nil
}

// process records the delivery and applies it in one transaction, so a failed
// apply leaves no record and the provider's retry is processed again.
func (s *Service) process(ctx context.Context, provider string, payload []byte, event *webhookdomain.Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		inserted, err := s.repo.Insert(ctx, tx, &webhookdomain.EventRecord{
			ID:          s.genID.Generate(),
			Provider:    provider,
			EventName:   event.Name,
			DedupeKey:   DedupeKey(payload),
			ExternalID:  event.ExternalID,
			AccountID:   event.AccountID,
			Payload:     datatypes.JSON(payload),
			ReceivedAt:  now,
			ProcessedAt: &now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return webhookdomain.ErrEventAlreadyProcessed
		}

		switch event.Kind {
		case webhookdomain.EventKindSubscription:
			if event.Subscription == nil {
				return webhookdomain.ErrInvalidEvent
			}
			_, err = s.subscriptionSvc.WithTx(tx).Apply(ctx, *event.Subscription)
		case webhookdomain.EventKindPurchase:
			if event.Purchase == nil {
				return webhookdomain.ErrInvalidEvent
			}
			_, err = s.purchaseSvc.WithTx(tx).Record(ctx, *event.Purchase)
		default:
			return fmt.Errorf("%w: kind %q", webhookdomain.ErrInvalidEvent, event.Kind)
		}
		return err
	})
}

// DedupeKey identifies a delivery by the SHA-256 of its raw body.
func DedupeKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
