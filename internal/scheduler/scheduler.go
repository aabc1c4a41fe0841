package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	JobMonthlyReset = "monthly_reset"

	lockKeyMonthlyReset = "scheduler:lock:monthly_reset"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	AccountRepo accountdomain.Repository
	LedgerSvc   ledgerdomain.Service
	Redis       redis.UniversalClient `optional:"true"`
	Config      Config                `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	accountRepo accountdomain.Repository
	ledgerSvc   ledgerdomain.Service
	locker      *ratelimit.Locker

	errMu sync.Mutex
}

// ResetSummary counts the outcome of one sweep.
type ResetSummary struct {
	Scanned int
	Reset   int
	Skipped int
	Failed  int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.AccountRepo == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		accountRepo: p.AccountRepo,
		ledgerSvc:   p.LedgerSvc,
		locker:      ratelimit.NewLocker(p.Redis),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A timed-out sweep resumes on the next tick; due accounts stay due.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every scheduled job a single time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobMonthlyReset, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
		_, err := s.MonthlyResetJob(ctx)
		return err
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MonthlyResetJob resets every account whose reset time has passed. Accounts
// are walked in id order so each batch starts after the last id seen, and an
// account that is no longer due when its row is locked is counted as skipped.
func (s *Scheduler) MonthlyResetJob(ctx context.Context) (ResetSummary, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobMonthlyReset, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var summary ResetSummary
	release, acquired, err := s.acquireLock(ctx)
	if err != nil {
		return summary, err
	}
	if !acquired {
		obsmetrics.Scheduler().IncSkipped(JobMonthlyReset, obsmetrics.SchedulerSkipReasonLockHeld)
		s.logger(ctx).Info("monthly reset skipped, another replica holds the lock")
		return summary, nil
	}
	defer release()

	now := s.clock.Now().UTC()
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		lockStart := time.Now()
		ids, err := s.accountRepo.ListDueForReset(ctx, s.db, now, afterID, s.cfg.BatchSize)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountsDueForReset, time.Since(lockStart))
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		batch := s.resetBatch(ctx, run, ids, now)
		summary.Scanned += len(ids)
		summary.Reset += batch.Reset
		summary.Skipped += batch.Skipped
		summary.Failed += batch.Failed
		run.AddProcessed(batch.Reset)
		obsmetrics.Scheduler().AddBatchProcessed(JobMonthlyReset, "accounts", batch.Reset)

		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d accounts failed to reset", summary.Failed, summary.Scanned)
	}
	return summary, nil
}

func (s *Scheduler) resetBatch(ctx context.Context, run *jobRun, ids []string, now time.Time) ResetSummary {
	results := make([]int, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, applied, err := s.ledgerSvc.ResetAllowance(gctx, id, now)
			switch {
			case err != nil:
				results[i] = resultFailed
				s.logSchedulerError(gctx, run, "scheduler.reset.failed", JobMonthlyReset, id, err)
			case applied:
				results[i] = resultReset
			default:
				results[i] = resultSkipped
				obsmetrics.Scheduler().IncSkipped(JobMonthlyReset, obsmetrics.SchedulerSkipReasonNotDue)
			}
			// One account failing must not stop the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()

	var summary ResetSummary
	for _, r := range results {
		switch r {
		case resultReset:
			summary.Reset++
		case resultSkipped:
			summary.Skipped++
		case resultFailed:
			summary.Failed++
		}
	}
	return summary
}

const (
	resultSkipped = iota
	resultReset
	resultFailed
)

func (s *Scheduler) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	token, ok, err := s.locker.TryLock(ctx, lockKeyMonthlyReset, s.cfg.LockTTL)
	if err != nil {
		// The lock only avoids duplicate work; ResetAllowance is safe to race.
		s.logger(ctx).Warn("scheduler lock unavailable, running unlocked", zap.Error(err))
		return func() {}, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, lockKeyMonthlyReset, token); err != nil {
			s.logger(ctx).Warn("scheduler lock release failed", zap.Error(err))
		}
	}, true, nil
}
