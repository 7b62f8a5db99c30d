package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/creditmeter/internal/reconcile/domain"
	"go.uber.org/zap"
)

// jobRun accumulates what one scheduled pass did so the finish line can
// summarise it. Nested runJob/job calls share the outermost run.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	processed int
	adjusted  int
	failed    int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

// AddSummary folds a reconciliation pass into the run.
func (r *jobRun) AddSummary(summary reconciledomain.Summary) {
	if r == nil {
		return
	}
	r.AddProcessed(summary.Accounts)
	r.adjusted += summary.Adjusted
	r.failed += summary.Failed
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("duration", s.clock.Now().Sub(run.startedAt)),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	}
	if run.job == JobBalanceReconciliation {
		fields = append(fields,
			zap.Int("adjusted_accounts", run.adjusted),
			zap.Int("failed_accounts", run.failed),
		)
	}
	if run.errors > 0 || run.failed > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logSchedulerError counts err against the run and logs it with the
// classification the scheduler metrics use.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	job := ""
	if run != nil {
		job = run.job
	}
	base := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}
