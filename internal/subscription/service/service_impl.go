package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Policy    *config.CreditPolicyHolder
	Repo      subscriptiondomain.Repository
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	policy       *config.CreditPolicyHolder
	repo         subscriptiondomain.Repository
	ledgerSvc    ledgerdomain.Service
	yearlyVarIDs map[string]struct{}
}

func NewService(p Params) subscriptiondomain.Service {
	yearly := make(map[string]struct{}, len(p.Cfg.Webhook.LemonYearlyVariantIDs))
	for _, id := range p.Cfg.Webhook.LemonYearlyVariantIDs {
		yearly[strings.TrimSpace(id)] = struct{}{}
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("subscription.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		policy:       p.Policy,
		repo:         p.Repo,
		ledgerSvc:    p.LedgerSvc,
		yearlyVarIDs: yearly,
	}
}

func (s *Service) WithTx(tx *gorm.DB) subscriptiondomain.Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) GetByAccount(ctx context.Context, accountID string) (*subscriptiondomain.Subscription, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, accountdomain.ErrInvalidAccountID
	}
	return s.repo.FindLatestByAccountID(ctx, s.db, accountID)
}

func (s *Service) Apply(ctx context.Context, event subscriptiondomain.LifecycleEvent) (*subscriptiondomain.Subscription, error) {
	event.ExternalSubscriptionID = strings.TrimSpace(event.ExternalSubscriptionID)
	event.AccountID = strings.TrimSpace(event.AccountID)
	if event.ExternalSubscriptionID == "" {
		return nil, subscriptiondomain.ErrInvalidEvent
	}

	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch event.Kind {
		case subscriptiondomain.EventCreated, subscriptiondomain.EventUpdated, subscriptiondomain.EventResumed:
			err = s.activate(ctx, tx, event)
		case subscriptiondomain.EventCancelled:
			err = s.cancel(ctx, tx, event)
		case subscriptiondomain.EventExpired:
			err = s.expire(ctx, tx, event)
		case subscriptiondomain.EventPaymentFailed:
			err = s.updateStatus(ctx, tx, event, subscriptiondomain.SubscriptionStatusPastDue, nil)
		case subscriptiondomain.EventPaymentSuccess:
			err = s.updateStatus(ctx, tx, event, subscriptiondomain.SubscriptionStatusActive, event.PeriodEnd)
		default:
			return subscriptiondomain.ErrUnsupportedEventKind
		}
		if err != nil {
			return err
		}
		out, err = s.repo.FindByExternalID(ctx, tx, event.ExternalSubscriptionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription reconciled",
		zap.String("event", string(event.Kind)),
		zap.String("external_subscription_id", event.ExternalSubscriptionID),
		zap.String("account_id", event.AccountID),
	)
	return out, nil
}

func (s *Service) activate(ctx context.Context, tx *gorm.DB, event subscriptiondomain.LifecycleEvent) error {
	existing, err := s.repo.FindByExternalID(ctx, tx, event.ExternalSubscriptionID)
	if err != nil {
		return err
	}
	accountID := resolveAccountID(event, existing)
	if accountID == "" {
		return subscriptiondomain.ErrMissingAccount
	}

	now := s.clock.Now()
	row := s.newRow(event, accountID, now)
	row.Status = subscriptiondomain.SubscriptionStatusActive

	// Only a resume clears a pending cancellation. An update that echoes it, or
	// a created that arrives after the cancel, keeps it.
	if existing != nil && existing.CancelAtPeriodEnd && keepsCancellation(event) {
		row.CancelAtPeriodEnd = true
		row.CancelledAt = existing.CancelledAt
	}

	if err := s.repo.Upsert(ctx, tx, row); err != nil {
		return err
	}

	policy := s.policy.Get()
	_, err = s.ledgerSvc.WithTx(tx).ChangeTier(ctx, ledgerdomain.TierChange{
		AccountID:  accountID,
		Tier:       accountdomain.TierPro,
		Allowance:  policy.Allowance(string(accountdomain.TierPro)),
		FloorRaise: true,
		Metadata: map[string]any{
			"external_subscription_id": event.ExternalSubscriptionID,
			"event":                    string(event.Kind),
		},
	})
	return err
}

func (s *Service) cancel(ctx context.Context, tx *gorm.DB, event subscriptiondomain.LifecycleEvent) error {
	now := s.clock.Now()
	updated, err := s.repo.MarkCancelled(ctx, tx, event.ExternalSubscriptionID, now, now)
	if err != nil || updated {
		return err
	}
	// Nothing local to cancel: keep a cancelled row and leave the tier alone.
	return s.insertMissing(ctx, tx, event, now, func(row *subscriptiondomain.Subscription) {
		row.Status = subscriptiondomain.SubscriptionStatusCancelled
		row.CancelAtPeriodEnd = true
		row.CancelledAt = &now
	})
}

func keepsCancellation(event subscriptiondomain.LifecycleEvent) bool {
	switch event.Kind {
	case subscriptiondomain.EventCreated:
		return true
	case subscriptiondomain.EventUpdated:
		return subscriptiondomain.MapExternalStatus(event.ExternalStatus) == subscriptiondomain.SubscriptionStatusCancelled
	default:
		return false
	}
}

func (s *Service) expire(ctx context.Context, tx *gorm.DB, event subscriptiondomain.LifecycleEvent) error {
	now := s.clock.Now()
	endsAt := now
	if event.EndsAt != nil {
		endsAt = event.EndsAt.UTC()
	}

	updated, err := s.repo.MarkExpired(ctx, tx, event.ExternalSubscriptionID, endsAt, now)
	if err != nil {
		return err
	}
	if !updated {
		err = s.insertMissing(ctx, tx, event, now, func(row *subscriptiondomain.Subscription) {
			row.Status = subscriptiondomain.SubscriptionStatusExpired
			row.EndsAt = &endsAt
		})
		if err != nil {
			return err
		}
	}

	existing, err := s.repo.FindByExternalID(ctx, tx, event.ExternalSubscriptionID)
	if err != nil {
		return err
	}
	accountID := resolveAccountID(event, existing)
	if accountID == "" {
		return nil
	}

	policy := s.policy.Get()
	_, err = s.ledgerSvc.WithTx(tx).ChangeTier(ctx, ledgerdomain.TierChange{
		AccountID: accountID,
		Tier:      accountdomain.TierFree,
		Allowance: policy.Allowance(string(accountdomain.TierFree)),
	})
	return err
}

func (s *Service) updateStatus(ctx context.Context, tx *gorm.DB, event subscriptiondomain.LifecycleEvent, status subscriptiondomain.SubscriptionStatus, periodEnd *time.Time) error {
	now := s.clock.Now()
	updated, err := s.repo.UpdateStatus(ctx, tx, event.ExternalSubscriptionID, status, periodEnd, now)
	if err != nil || updated {
		return err
	}
	return s.insertMissing(ctx, tx, event, now, func(row *subscriptiondomain.Subscription) {
		row.Status = status
	})
}

// insertMissing stores a minimal row for an event that arrived before the
// subscription was known locally.
func (s *Service) insertMissing(ctx context.Context, tx *gorm.DB, event subscriptiondomain.LifecycleEvent, now time.Time, mutate func(*subscriptiondomain.Subscription)) error {
	if event.AccountID == "" {
		s.log.Warn("subscription event for unknown subscription without account",
			zap.String("event", string(event.Kind)),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
		)
		return nil
	}
	row := s.newRow(event, event.AccountID, now)
	mutate(row)
	return s.repo.Upsert(ctx, tx, row)
}

func (s *Service) newRow(event subscriptiondomain.LifecycleEvent, accountID string, now time.Time) *subscriptiondomain.Subscription {
	periodEnd := event.PeriodEnd
	if periodEnd == nil {
		periodEnd = event.EndsAt
	}
	return &subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		AccountID:              accountID,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		ExternalCustomerID:     event.ExternalCustomerID,
		ExternalOrderID:        event.ExternalOrderID,
		ExternalProductID:      event.ExternalProductID,
		ExternalVariantID:      event.ExternalVariantID,
		Plan:                   s.planFor(event.ExternalVariantID),
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart:     utcPtr(event.PeriodStart),
		CurrentPeriodEnd:       utcPtr(periodEnd),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func (s *Service) planFor(variantID string) subscriptiondomain.Plan {
	if _, ok := s.yearlyVarIDs[strings.TrimSpace(variantID)]; ok && variantID != "" {
		return subscriptiondomain.PlanYearly
	}
	return subscriptiondomain.PlanMonthly
}

func resolveAccountID(event subscriptiondomain.LifecycleEvent, existing *subscriptiondomain.Subscription) string {
	if event.AccountID != "" {
		return event.AccountID
	}
	if existing != nil {
		return existing.AccountID
	}
	return ""
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
