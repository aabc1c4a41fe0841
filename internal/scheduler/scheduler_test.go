package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	accountrepo "github.com/smallbiznis/creditflow/internal/account/repository"
	"github.com/smallbiznis/creditflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creditflow/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	schedtesting "github.com/smallbiznis/creditflow/internal/scheduler/testing"
	"github.com/smallbiznis/creditflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 8, 1, 0, 30, 0, 0, time.UTC)

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

func jobLabels(extra map[string]string) map[string]string {
	labels := map[string]string{"service": "creditflow", "env": "unknown", "job": JobMonthlyReset}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// failingLedger fails the reset of selected accounts.
type failingLedger struct {
	ledgerdomain.Service
	fail map[string]bool
}

func (f failingLedger) ResetAllowance(ctx context.Context, accountID string, now time.Time) (ledgerdomain.Result, bool, error) {
	if f.fail[accountID] {
		return ledgerdomain.Result{}, false, errors.New("row lock timeout")
	}
	return f.Service.ResetAllowance(ctx, accountID, now)
}

func newTestScheduler(t *testing.T, db *gorm.DB, ledgerSvc func(ledgerdomain.Service) ledgerdomain.Service) *Scheduler {
	t.Helper()
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(testNow)
	repo := accountrepo.Provide()
	var svc ledgerdomain.Service = ledgerservice.NewService(ledgerservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		AccountRepo: repo,
	})
	if ledgerSvc != nil {
		svc = ledgerSvc(svc)
	}
	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		AccountRepo: repo,
		LedgerSvc:   svc,
		Config:      Config{BatchSize: 2, Concurrency: 2},
	})
	require.NoError(t, err)
	return sched
}

func seedAccounts(t *testing.T, db *gorm.DB, due, notDue int) {
	t.Helper()
	for i := 0; i < due; i++ {
		testutil.SeedAccount(t, db, accountdomain.Account{
			ID:                  fmt.Sprintf("due-%02d", i),
			CreditsBalance:      int64(i),
			CreditsMonthlyLimit: 500,
			CreditsResetAt:      testNow.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	for i := 0; i < notDue; i++ {
		testutil.SeedAccount(t, db, accountdomain.Account{
			ID:                  fmt.Sprintf("later-%02d", i),
			CreditsBalance:      7,
			CreditsMonthlyLimit: 500,
			CreditsResetAt:      testNow.Add(48 * time.Hour),
		})
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMonthlyResetJobResetsDueAccountsAcrossBatches(t *testing.T) {
	registry := prometheus.NewRegistry()
	defer swapPrometheusRegistry(registry)()

	ctx := context.Background()
	db := testutil.NewDB(t)
	seedAccounts(t, db, 5, 2)
	sched := newTestScheduler(t, db, nil)

	summary, err := sched.MonthlyResetJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetSummary{Scanned: 5, Reset: 5}, summary)

	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(500), testutil.Balance(t, db, fmt.Sprintf("due-%02d", i)))
	}
	assert.Equal(t, int64(7), testutil.Balance(t, db, "later-00"))

	assert.Equal(t, float64(5), getCounterValue(t, registry, "creditflow_scheduler_batch_processed_total",
		jobLabels(map[string]string{"resource": "accounts"})))
}

func TestMonthlyResetJobIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	defer swapPrometheusRegistry(registry)()

	ctx := context.Background()
	db := testutil.NewDB(t)
	seedAccounts(t, db, 3, 1)
	sched := newTestScheduler(t, db, nil)

	_, err := sched.MonthlyResetJob(ctx)
	require.NoError(t, err)

	summary, err := sched.MonthlyResetJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetSummary{}, summary)

	var resets int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).Where("action = ?", ledgerdomain.ActionMonthlyReset).Count(&resets).Error)
	assert.Equal(t, int64(3), resets)
}

func TestMonthlyResetJobWithAcceleratedTime(t *testing.T) {
	registry := prometheus.NewRegistry()
	defer swapPrometheusRegistry(registry)()

	ctx := context.Background()
	db := testutil.NewDB(t)
	seedAccounts(t, db, 1, 3)
	sched := newTestScheduler(t, db, nil)

	accelerator := schedtesting.NewTimeAccelerator(db)
	moved, err := accelerator.MakeAllDue(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved)

	summary, err := sched.MonthlyResetJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Reset)

	require.NoError(t, accelerator.MakeDue(ctx, "later-01", testNow))
	summary, err = sched.MonthlyResetJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetSummary{Scanned: 1, Reset: 1}, summary)
}

func TestMonthlyResetJobContinuesPastFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	defer swapPrometheusRegistry(registry)()

	ctx := context.Background()
	db := testutil.NewDB(t)
	seedAccounts(t, db, 4, 0)
	sched := newTestScheduler(t, db, func(svc ledgerdomain.Service) ledgerdomain.Service {
		return failingLedger{Service: svc, fail: map[string]bool{"due-01": true}}
	})

	summary, err := sched.MonthlyResetJob(ctx)
	require.Error(t, err)
	assert.Equal(t, ResetSummary{Scanned: 4, Reset: 3, Failed: 1}, summary)
	assert.Equal(t, int64(1), testutil.Balance(t, db, "due-01"))
	assert.Equal(t, int64(500), testutil.Balance(t, db, "due-03"))

	// The failed account is still due and is picked up on the next run.
	sched.ledgerSvc = sched.ledgerSvc.(failingLedger).Service
	summary, err = sched.MonthlyResetJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetSummary{Scanned: 1, Reset: 1}, summary)
}

func TestRunOnceRecordsJobRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	defer swapPrometheusRegistry(registry)()

	db := testutil.NewDB(t)
	seedAccounts(t, db, 2, 0)
	sched := newTestScheduler(t, db, nil)

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "creditflow_scheduler_job_runs_total", jobLabels(nil)))
	assert.Equal(t, int64(500), testutil.Balance(t, db, "due-01"))
}
