package service_test

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	accountrepo "github.com/smallbiznis/creditflow/internal/account/repository"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creditflow/internal/ledger/service"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditflow/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditflow/internal/subscription/service"
	"github.com/smallbiznis/creditflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	db     *gorm.DB
	svc    subscriptiondomain.Service
	ledger ledgerdomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(testNow)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		AccountRepo: accountrepo.Provide(),
	})
	svc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{Webhook: config.WebhookConfig{
			LemonYearlyVariantIDs: []string{"var-yearly"},
		}},
		Policy:    config.NewStaticCreditPolicyHolder(config.DefaultCreditPolicy()),
		Repo:      subscriptionrepo.Provide(),
		LedgerSvc: ledgerSvc,
	})
	return &harness{db: db, svc: svc, ledger: ledgerSvc}
}

func (h *harness) account(t *testing.T) accountdomain.Account {
	t.Helper()
	var account accountdomain.Account
	require.NoError(t, h.db.Where("id = ?", "user-1").Take(&account).Error)
	return account
}

func lifecycle(kind subscriptiondomain.EventKind) subscriptiondomain.LifecycleEvent {
	return subscriptiondomain.LifecycleEvent{
		Kind:                   kind,
		AccountID:              "user-1",
		ExternalSubscriptionID: "sub-1",
		ExternalVariantID:      "var-monthly",
		ExternalStatus:         "active",
	}
}

func TestCreatedUpgradesToPro(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1", CreditsBalance: 120, CreditsMonthlyLimit: 500})

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, subscriptiondomain.PlanMonthly, sub.Plan)

	account := h.account(t)
	assert.Equal(t, accountdomain.TierPro, account.Tier)
	assert.Equal(t, int64(5000), account.CreditsBalance)
	assert.Equal(t, int64(5000), account.CreditsMonthlyLimit)
}

func TestRedeliveredActivationDoesNotRegrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1", CreditsBalance: 0})

	_, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)
	_, err = h.ledger.Deduct(ctx, ledgerdomain.MutationRequest{AccountID: "user-1", Action: ledgerdomain.ActionTutorTurn, Amount: 50})
	require.NoError(t, err)

	_, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)
	_, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventUpdated))
	require.NoError(t, err)

	assert.Equal(t, int64(4950), h.account(t).CreditsBalance)

	var count int64
	require.NoError(t, h.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestYearlyVariantIsRecognized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1"})

	event := lifecycle(subscriptiondomain.EventCreated)
	event.ExternalVariantID = "var-yearly"
	sub, err := h.svc.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.PlanYearly, sub.Plan)
}

func TestCancelKeepsProUntilExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1"})

	_, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCancelled))
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, accountdomain.TierPro, h.account(t).Tier)

	// The provider echoes the cancellation in a subscription_updated.
	update := lifecycle(subscriptiondomain.EventUpdated)
	update.ExternalStatus = "cancelled"
	sub, err = h.svc.Apply(ctx, update)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	endsAt := testNow.AddDate(0, 1, 0)
	expire := lifecycle(subscriptiondomain.EventExpired)
	expire.EndsAt = &endsAt
	sub, err = h.svc.Apply(ctx, expire)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)

	account := h.account(t)
	assert.Equal(t, accountdomain.TierFree, account.Tier)
	assert.Equal(t, int64(500), account.CreditsMonthlyLimit)
	// Remaining pro credits are kept until the next reset.
	assert.Equal(t, int64(5000), account.CreditsBalance)
}

func TestCancelForUnknownSubscriptionStoresCancelledRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1", CreditsBalance: 120, CreditsMonthlyLimit: 500})

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCancelled))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.NotNil(t, sub.CancelledAt)
	assert.Equal(t, "user-1", sub.AccountID)

	account := h.account(t)
	assert.Equal(t, accountdomain.TierFree, account.Tier)
	assert.Equal(t, int64(120), account.CreditsBalance)
	assert.Equal(t, int64(0), testutil.EntrySum(t, h.db, "user-1"))

	latest, err := h.svc.GetByAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, latest.Status)

	// The lost created arrives late: the account gets pro until the period
	// ends and the cancellation stays pending.
	sub, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, accountdomain.TierPro, h.account(t).Tier)

	var count int64
	require.NoError(t, h.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestResumeClearsPendingCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1"})

	_, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)
	_, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCancelled))
	require.NoError(t, err)

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventResumed))
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.CancelledAt)
}

func TestExpiredBeforeActiveConverges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1", CreditsBalance: 200, CreditsMonthlyLimit: 500})

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventExpired))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, accountdomain.TierFree, h.account(t).Tier)

	sub, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventUpdated))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)

	account := h.account(t)
	assert.Equal(t, accountdomain.TierPro, account.Tier)
	assert.Equal(t, int64(5000), account.CreditsBalance)
	assert.Equal(t, account.CreditsBalance-200, testutil.EntrySum(t, h.db, "user-1"))
}

func TestPaymentEventsTrackStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1"})

	_, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)

	sub, err := h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventPaymentFailed))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)

	renews := testNow.AddDate(0, 1, 0)
	success := lifecycle(subscriptiondomain.EventPaymentSuccess)
	success.PeriodEnd = &renews
	sub, err = h.svc.Apply(ctx, success)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(renews))
}

func TestEventWithoutAccountForUnknownSubscriptionIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	event := lifecycle(subscriptiondomain.EventCancelled)
	event.AccountID = ""
	sub, err := h.svc.Apply(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, sub)

	event = lifecycle(subscriptiondomain.EventCreated)
	event.AccountID = ""
	_, err = h.svc.Apply(ctx, event)
	assert.ErrorIs(t, err, subscriptiondomain.ErrMissingAccount)
}

func TestGetByAccountReturnsLatest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, accountdomain.Account{ID: "user-1"})

	sub, err := h.svc.GetByAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	_, err = h.svc.Apply(ctx, lifecycle(subscriptiondomain.EventCreated))
	require.NoError(t, err)

	sub, err = h.svc.GetByAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub-1", sub.ExternalSubscriptionID)
}
