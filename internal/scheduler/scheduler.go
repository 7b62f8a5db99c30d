package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/creditmeter/internal/reconcile/domain"
	"github.com/smallbiznis/creditmeter/internal/usage/export"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobBalanceReconciliation = "balance_reconciliation"
	JobUsageExportSweep      = "usage_export_sweep"

	usageSweepTimeout   = 2 * time.Minute
	maxUsageSweepRounds = 20
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Config     Config `optional:"true"`
	Reconciler reconciledomain.Service
	Sweeper    *export.Sweeper `optional:"true"`
	Redis      *redis.Client   `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	reconciler reconciledomain.Service
	sweeper    *export.Sweeper
	coord      coordinator
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.Reconciler == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		reconciler: p.Reconciler,
		sweeper:    p.Sweeper,
		coord:      newCoordinator(p.Redis),
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
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the work up again
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

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobBalanceReconciliation, s.isJobEnabled(JobBalanceReconciliation), func(ctx context.Context) error {
			return s.runJob(ctx, JobBalanceReconciliation, s.cfg.BatchSize, s.cfg.LockTTL, s.BalanceReconciliationJob)
		}},
		{JobUsageExportSweep, s.isJobEnabled(JobUsageExportSweep) && s.sweeper.Enabled(), func(ctx context.Context) error {
			return s.runJob(ctx, JobUsageExportSweep, s.cfg.BatchSize, usageSweepTimeout, s.UsageExportSweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
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

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// BalanceReconciliationJob replays every account at most once per
// ReconcileInterval. Only one scheduler replica runs it at a time.
func (s *Scheduler) BalanceReconciliationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBalanceReconciliation, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()

	due, err := s.coord.Due(ctx, JobBalanceReconciliation, now, s.cfg.ReconcileInterval)
	if err != nil {
		return err
	}
	if !due {
		schedMetrics.IncBatchDeferred(JobBalanceReconciliation, obsmetrics.SchedulerBatchDeferredReasonNotDue)
		return nil
	}

	lockStart := time.Now()
	release, ok, err := s.coord.TryLock(ctx, JobBalanceReconciliation, s.cfg.LockTTL)
	schedMetrics.ObserveLockWait(obsmetrics.LockResourceReconcileRunner, time.Since(lockStart))
	if err != nil {
		return err
	}
	if !ok {
		schedMetrics.IncBatchDeferred(JobBalanceReconciliation, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Info("reconciliation already running elsewhere")
		return nil
	}
	defer release(context.WithoutCancel(ctx))

	summary, runErr := s.reconciler.Run(ctx, s.cfg.BatchSize)
	run.AddSummary(summary)
	schedMetrics.AddBatchProcessed(JobBalanceReconciliation, "credit_account", summary.Accounts)
	if summary.Accounts == 0 {
		schedMetrics.IncBatchDeferred(JobBalanceReconciliation, obsmetrics.SchedulerBatchDeferredReasonEmpty)
	}
	if runErr != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", runErr,
			zap.Int("failed_accounts", summary.Failed),
		)
		if ctx.Err() != nil {
			return runErr
		}
	}
	// Partial failures still count as a pass; failed accounts are retried on
	// the next interval rather than every tick.
	if err := s.coord.MarkRun(ctx, JobBalanceReconciliation, s.clock.Now(), s.cfg.ReconcileInterval); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// UsageExportSweepJob drains usage events whose inline export failed.
func (s *Scheduler) UsageExportSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobUsageExportSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	for round := 0; round < maxUsageSweepRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		exported, err := s.sweeper.RunOnce(ctx)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.usage_export.failed", err)
			return err
		}
		run.AddProcessed(exported)
		schedMetrics.AddBatchProcessed(JobUsageExportSweep, "usage_event", exported)
		if exported == 0 {
			if round == 0 {
				schedMetrics.IncBatchDeferred(JobUsageExportSweep, obsmetrics.SchedulerBatchDeferredReasonEmpty)
			}
			return nil
		}
	}
	return nil
}
