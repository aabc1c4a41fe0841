package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	referraldomain "github.com/smallbiznis/creditflow/internal/referral/domain"
	"github.com/smallbiznis/creditflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Policy      *config.CreditPolicyHolder
	Repo        referraldomain.Repository
	AccountRepo accountdomain.Repository
	LedgerSvc   ledgerdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	policy      *config.CreditPolicyHolder
	repo        referraldomain.Repository
	accountRepo accountdomain.Repository
	ledgerSvc   ledgerdomain.Service
}

func NewService(p Params) referraldomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("referral.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
		ledgerSvc:   p.LedgerSvc,
	}
}

func (s *Service) Apply(ctx context.Context, referredID, code string) (*referraldomain.ApplyResult, error) {
	referredID = strings.TrimSpace(referredID)
	if referredID == "" {
		return nil, accountdomain.ErrInvalidAccountID
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, referraldomain.ErrInvalidReferralCode
	}

	policy := s.policy.Get()
	result := &referraldomain.ApplyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referrer, err := s.accountRepo.FindByReferralCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if referrer == nil {
			return referraldomain.ErrInvalidReferralCode
		}
		if referrer.ID == referredID {
			return referraldomain.ErrSelfReferral
		}

		// The unique referred_id column decides concurrent claims.
		err = s.repo.Insert(ctx, tx, &referraldomain.Referral{
			ID:                     s.genID.Generate(),
			ReferrerID:             referrer.ID,
			ReferredID:             referredID,
			ReferralCode:           code,
			ReferrerCreditsAwarded: policy.ReferrerBonus,
			ReferredCreditsAwarded: policy.ReferredBonus,
			CreatedAt:              s.clock.Now(),
		})
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return referraldomain.ErrAlreadyReferred
			}
			return err
		}

		linked, err := s.accountRepo.SetReferredBy(ctx, tx, referredID, referrer.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !linked {
			return referraldomain.ErrAlreadyReferred
		}

		ledger := s.ledgerSvc.WithTx(tx)
		if policy.ReferrerBonus > 0 {
			if _, err := ledger.Add(ctx, ledgerdomain.MutationRequest{
				AccountID: referrer.ID,
				Action:    ledgerdomain.ActionReferralBonus,
				Amount:    policy.ReferrerBonus,
				Metadata:  map[string]any{"role": "referrer", "referred_id": referredID},
			}); err != nil {
				return err
			}
		}
		if policy.ReferredBonus > 0 {
			added, err := ledger.Add(ctx, ledgerdomain.MutationRequest{
				AccountID: referredID,
				Action:    ledgerdomain.ActionReferralBonus,
				Amount:    policy.ReferredBonus,
				Metadata:  map[string]any{"role": "referred", "referrer_id": referrer.ID},
			})
			if err != nil {
				return err
			}
			result.NewBalance = added.NewBalance
		}

		result.ReferrerID = referrer.ID
		result.CreditsEarned = policy.ReferredBonus
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("referral applied",
		zap.String("referrer_id", result.ReferrerID),
		zap.String("referred_id", referredID),
	)
	return result, nil
}

func (s *Service) Stats(ctx context.Context, accountID string) (*referraldomain.Stats, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, accountdomain.ErrInvalidAccountID
	}

	account, err := s.accountRepo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	count, earned, err := s.repo.CountByReferrer(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	return &referraldomain.Stats{
		ReferralCode:       account.ReferralCode,
		ReferralsCount:     count,
		TotalCreditsEarned: earned,
	}, nil
}
