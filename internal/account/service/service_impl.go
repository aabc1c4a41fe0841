package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"github.com/smallbiznis/creditflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	referralCodeLength      = 8
	maxReferralCodeAttempts = 5
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Policy    *config.CreditPolicyHolder
	Repo      accountdomain.Repository
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	policy    *config.CreditPolicyHolder
	repo      accountdomain.Repository
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		clock:     p.Clock,
		policy:    p.Policy,
		repo:      p.Repo,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*accountdomain.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, accountdomain.ErrInvalidAccountID
	}
	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) Provision(ctx context.Context, req accountdomain.ProvisionRequest) (*accountdomain.Account, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, accountdomain.ErrInvalidAccountID
	}
	tier := req.Tier
	if tier == "" {
		tier = accountdomain.TierFree
	}
	if !tier.Valid() {
		return nil, accountdomain.ErrInvalidTier
	}

	existing, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	allowance := s.policy.Get().Allowance(string(tier))
	for attempt := 1; attempt <= maxReferralCodeAttempts; attempt++ {
		now := s.clock.Now()
		account := &accountdomain.Account{
			ID:                  id,
			Email:               strings.TrimSpace(req.Email),
			Tier:                tier,
			CreditsBalance:      allowance,
			CreditsMonthlyLimit: allowance,
			CreditsResetAt:      accountdomain.AddMonths(now, 1, now.Day()),
			ReferralCode:        newReferralCode(),
			CreatedAt:           now,
			UpdatedAt:           now,
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inserted, err := s.repo.Insert(ctx, tx, account)
			if err != nil || !inserted {
				return err
			}
			if allowance <= 0 {
				return nil
			}
			return s.ledgerSvc.RecordGrant(ctx, tx, id, ledgerdomain.ActionInitialGrant, allowance, allowance, map[string]any{
				"tier": string(tier),
			})
		})
		if err == nil {
			break
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		s.log.Warn("referral code collision, retrying",
			zap.String("account_id", id),
			zap.Int("attempt", attempt),
		)
		if attempt == maxReferralCodeAttempts {
			return nil, fmt.Errorf("provision account %s: %w", id, err)
		}
	}

	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:referralCodeLength])
}
