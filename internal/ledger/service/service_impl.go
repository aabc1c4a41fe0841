package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	AccountRepo accountdomain.Repository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	accountRepo accountdomain.Repository
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		accountRepo: p.AccountRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.MutationRequest) (ledgerdomain.Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	var result ledgerdomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account.CreditsBalance < req.Amount {
			result = ledgerdomain.Result{Success: false, NewBalance: account.CreditsBalance}
			return nil
		}

		newBalance := account.CreditsBalance - req.Amount
		if err := s.apply(ctx, tx, account.ID, newBalance, -req.Amount, req.Action, req.Metadata); err != nil {
			return err
		}
		result = ledgerdomain.Result{Success: true, NewBalance: newBalance, Amount: req.Amount}
		return nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	if !result.Success {
		s.obsMetrics.RecordInsufficientCredits(ctx, string(req.Action))
		s.log.Debug("deduction refused",
			zap.String("account_id", req.AccountID),
			zap.String("action", string(req.Action)),
			zap.Int64("balance", result.NewBalance),
			zap.Int64("required", req.Amount),
		)
		return result, nil
	}
	s.obsMetrics.RecordLedgerMutation(ctx, string(req.Action), -req.Amount)
	return result, nil
}

func (s *Service) Add(ctx context.Context, req ledgerdomain.MutationRequest) (ledgerdomain.Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	var result ledgerdomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		newBalance := account.CreditsBalance + req.Amount
		if err := s.apply(ctx, tx, account.ID, newBalance, req.Amount, req.Action, req.Metadata); err != nil {
			return err
		}
		result = ledgerdomain.Result{Success: true, NewBalance: newBalance, Amount: req.Amount}
		return nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	s.obsMetrics.RecordLedgerMutation(ctx, string(req.Action), req.Amount)
	return result, nil
}

func (s *Service) ChangeTier(ctx context.Context, change ledgerdomain.TierChange) (ledgerdomain.Result, error) {
	change.AccountID = strings.TrimSpace(change.AccountID)
	if change.AccountID == "" {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
	}
	if !change.Tier.Valid() {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidTier
	}
	if change.Allowance < 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}

	var result ledgerdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, change.AccountID)
		if err != nil {
			return err
		}

		balance := account.CreditsBalance
		if change.FloorRaise && account.Tier != change.Tier && balance < change.Allowance {
			balance = change.Allowance
		}

		now := s.clock.Now()
		if err := s.accountRepo.UpdateTier(ctx, tx, account.ID, change.Tier, change.Allowance, balance, now); err != nil {
			return err
		}

		delta := balance - account.CreditsBalance
		if delta != 0 {
			metadata := mergeMetadata(change.Metadata, map[string]any{
				"from_tier": string(account.Tier),
				"to_tier":   string(change.Tier),
			})
			if err := s.insertEntry(ctx, tx, account.ID, delta, balance, ledgerdomain.ActionSubscriptionGrant, metadata, now); err != nil {
				return err
			}
		}
		result = ledgerdomain.Result{Success: true, NewBalance: balance, Amount: delta}
		return nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	if result.Amount != 0 {
		s.obsMetrics.RecordLedgerMutation(ctx, string(ledgerdomain.ActionSubscriptionGrant), result.Amount)
	}
	return result, nil
}

func (s *Service) ResetAllowance(ctx context.Context, accountID string, now time.Time) (ledgerdomain.Result, bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.Result{}, false, ledgerdomain.ErrInvalidAccount
	}
	now = now.UTC()

	var (
		result ledgerdomain.Result
		reset  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account.CreditsResetAt.After(now) {
			result = ledgerdomain.Result{Success: true, NewBalance: account.CreditsBalance}
			return nil
		}

		balance := account.CreditsMonthlyLimit
		nextReset := accountdomain.NextResetAfter(account.CreditsResetAt, now, account.ResetAnchorDay())
		if err := s.accountRepo.UpdateReset(ctx, tx, account.ID, balance, nextReset, now); err != nil {
			return err
		}

		delta := balance - account.CreditsBalance
		metadata := map[string]any{
			"previous_balance": account.CreditsBalance,
			"next_reset_at":    nextReset.Format(time.RFC3339),
		}
		if err := s.insertEntry(ctx, tx, account.ID, delta, balance, ledgerdomain.ActionMonthlyReset, metadata, now); err != nil {
			return err
		}
		result = ledgerdomain.Result{Success: true, NewBalance: balance, Amount: delta}
		reset = true
		return nil
	})
	if err != nil {
		return ledgerdomain.Result{}, false, err
	}

	if reset {
		s.obsMetrics.RecordLedgerMutation(ctx, string(ledgerdomain.ActionMonthlyReset), result.Amount)
	}
	return result, reset, nil
}

func (s *Service) RecordGrant(ctx context.Context, tx *gorm.DB, accountID string, action ledgerdomain.Action, amount, balanceAfter int64, metadata map[string]any) error {
	if tx == nil {
		tx = s.db
	}
	if !action.Valid() {
		return ledgerdomain.ErrInvalidAction
	}
	if err := s.insertEntry(ctx, tx, accountID, amount, balanceAfter, action, metadata, s.clock.Now()); err != nil {
		return err
	}
	s.obsMetrics.RecordLedgerMutation(ctx, string(action), amount)
	return nil
}

func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]ledgerdomain.LedgerEntry, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type usageRow struct {
	Action string
	Used   int64
}

func (s *Service) UsageSummary(ctx context.Context, accountID string) (*ledgerdomain.UsageSummary, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	account, err := s.accountRepo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	// The current period started one month before the next reset.
	since := accountdomain.AddMonths(account.CreditsResetAt.UTC(), -1, account.ResetAnchorDay())

	var rows []usageRow
	err = s.db.WithContext(ctx).Raw(
		`SELECT action, -SUM(amount) AS used
		 FROM ledger_entries
		 WHERE account_id = ? AND amount < 0 AND action <> ? AND created_at >= ?
		 GROUP BY action`,
		accountID,
		ledgerdomain.ActionMonthlyReset,
		since,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &ledgerdomain.UsageSummary{
		ByAction: make(map[string]int64, len(rows)),
		Balance:  account.CreditsBalance,
		Limit:    account.CreditsMonthlyLimit,
		ResetAt:  account.CreditsResetAt,
		Since:    since,
	}
	for _, row := range rows {
		summary.ByAction[row.Action] = row.Used
		summary.TotalUsed += row.Used
	}
	return summary, nil
}

func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, accountID string) (*accountdomain.Account, error) {
	account, err := s.accountRepo.FindByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, accountID string, newBalance, amount int64, action ledgerdomain.Action, metadata map[string]any) error {
	now := s.clock.Now()
	if err := s.accountRepo.UpdateBalance(ctx, tx, accountID, newBalance, now); err != nil {
		return err
	}
	return s.insertEntry(ctx, tx, accountID, amount, newBalance, action, metadata, now)
}

func (s *Service) insertEntry(ctx context.Context, tx *gorm.DB, accountID string, amount, balanceAfter int64, action ledgerdomain.Action, metadata map[string]any, now time.Time) error {
	entry := ledgerdomain.LedgerEntry{
		ID:           s.genID.Generate(),
		AccountID:    accountID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Action:       action,
		CreatedAt:    now,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		entry.Metadata = datatypes.JSON(raw)
	}
	return tx.WithContext(ctx).Create(&entry).Error
}

func normalizeRequest(req ledgerdomain.MutationRequest) (ledgerdomain.MutationRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return req, ledgerdomain.ErrInvalidAccount
	}
	if !req.Action.Valid() {
		return req, ledgerdomain.ErrInvalidAction
	}
	if req.Amount <= 0 {
		return req, ledgerdomain.ErrInvalidAmount
	}
	return req, nil
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
