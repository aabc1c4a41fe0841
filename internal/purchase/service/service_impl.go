package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
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
	Policy    *config.CreditPolicyHolder
	Repo      purchasedomain.Repository
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.CreditPolicyHolder
	repo      purchasedomain.Repository
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) purchasedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("purchase.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		repo:      p.Repo,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) WithTx(tx *gorm.DB) purchasedomain.Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) Record(ctx context.Context, event purchasedomain.OrderEvent) (*purchasedomain.RecordResult, error) {
	event.ExternalOrderID = strings.TrimSpace(event.ExternalOrderID)
	event.AccountID = strings.TrimSpace(event.AccountID)
	if event.ExternalOrderID == "" {
		return nil, purchasedomain.ErrInvalidOrder
	}
	if event.AccountID == "" {
		return nil, purchasedomain.ErrMissingAccount
	}
	if event.CreditsAmount < 0 {
		return nil, purchasedomain.ErrInvalidCredits
	}
	if event.CreditsAmount == 0 {
		event.CreditsAmount = s.policy.Get().DefaultTopUp
	}

	result := &purchasedomain.RecordResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purchase := &purchasedomain.CreditPurchase{
			ID:              s.genID.Generate(),
			AccountID:       event.AccountID,
			ExternalOrderID: event.ExternalOrderID,
			AmountCents:     event.AmountCents,
			CreditsAmount:   event.CreditsAmount,
			Status:          purchasedomain.PurchaseStatusCompleted,
			CreatedAt:       s.clock.Now(),
		}
		inserted, err := s.repo.Insert(ctx, tx, purchase)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByExternalOrderID(ctx, tx, event.ExternalOrderID)
			if err != nil {
				return err
			}
			result.Purchase = existing
			return nil
		}

		added, err := s.ledgerSvc.WithTx(tx).Add(ctx, ledgerdomain.MutationRequest{
			AccountID: event.AccountID,
			Action:    ledgerdomain.ActionPurchase,
			Amount:    event.CreditsAmount,
			Metadata: map[string]any{
				"order_id":     event.ExternalOrderID,
				"amount_cents": event.AmountCents,
			},
		})
		if err != nil {
			return err
		}
		result.Purchase = purchase
		result.Applied = true
		result.NewBalance = added.NewBalance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		s.log.Info("credit purchase applied",
			zap.String("account_id", event.AccountID),
			zap.String("order_id", event.ExternalOrderID),
			zap.Int64("credits", event.CreditsAmount),
		)
	} else {
		s.log.Info("credit purchase already recorded", zap.String("order_id", event.ExternalOrderID))
	}
	return result, nil
}
