package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/creditmeter/internal/reconcile/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultEpsilon   = 0.000001
	defaultBatchSize = 100

	// MetadataReason tags adjustment postings written by this job.
	MetadataReason = "reconciliation"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.CreditPolicyHolder
	Repo       ledgerdomain.Repository
	Metrics    *cloudmetrics.CloudMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.CreditPolicyHolder
	repo       ledgerdomain.Repository
	metrics    *cloudmetrics.CloudMetrics
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconciledomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		repo:       p.Repo,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Run(ctx context.Context, batchSize int) (reconciledomain.Summary, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var (
		summary reconciledomain.Summary
		runErr  error
		afterID snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return summary, errors.Join(runErr, err)
		}
		accounts, err := s.repo.ListAccounts(ctx, s.db, afterID, batchSize)
		if err != nil {
			return summary, errors.Join(runErr, err)
		}
		if len(accounts) == 0 {
			break
		}
		for _, account := range accounts {
			afterID = account.ID
			summary.Accounts++

			res, err := s.ReconcileAccount(ctx, account.AccountID)
			if err != nil {
				summary.Failed++
				runErr = errors.Join(runErr, fmt.Errorf("account %s: %w", account.AccountID, err))
				s.log.Error("reconcile account failed", zap.String("account_id", account.AccountID), zap.Error(err))
				continue
			}
			if res.Adjusted() {
				summary.Adjusted++
				summary.Adjustments += len(res.Discrepancies)
			}
		}
		if len(accounts) < batchSize {
			break
		}
	}

	s.log.Info("balance reconciliation finished",
		zap.Int("accounts", summary.Accounts),
		zap.Int("adjusted", summary.Adjusted),
		zap.Int("adjustments", summary.Adjustments),
		zap.Int("failed", summary.Failed),
	)
	return summary, runErr
}

// ReconcileAccount replays the account's transactions under the row lock,
// writes one adjustment per drifting bucket and rewrites the stored row to the
// replayed values. Adjustments are excluded from replay, so a second run over
// an unchanged log writes nothing.
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) (reconciledomain.AccountResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return reconciledomain.AccountResult{}, ledgerdomain.ErrInvalidAccount
	}

	attempts := s.policy.Get().Ledger.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.reconcileOnce(ctx, accountID)
		if err == nil {
			s.report(ctx, res)
			return res, nil
		}
		if !errors.Is(err, ledgerdomain.ErrStaleVersion) && !db.IsSerializationFailure(err) {
			return reconciledomain.AccountResult{}, err
		}
		lastErr = err
	}
	return reconciledomain.AccountResult{}, fmt.Errorf("%w: %w", ledgerdomain.ErrConcurrentUpdateConflict, lastErr)
}

func (s *Service) reconcileOnce(ctx context.Context, accountID string) (reconciledomain.AccountResult, error) {
	res := reconciledomain.AccountResult{AccountID: accountID}
	epsilon := decimal.NewFromFloat(s.epsilon())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		account, err := s.repo.LockAccount(ctx, tx, accountID)
		obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceCreditAccount, time.Since(lockStart))
		if err != nil {
			return err
		}
		totals, err := s.repo.SumTotals(ctx, tx, accountID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		var postings []ledgerdomain.Transaction
		check := func(bucket ledgerdomain.Bucket, stored, calculated decimal.Decimal) {
			delta := calculated.Sub(stored)
			if delta.Abs().LessThanOrEqual(epsilon) {
				return
			}
			res.Discrepancies = append(res.Discrepancies, reconciledomain.Discrepancy{
				Bucket:     bucket,
				Stored:     stored,
				Calculated: calculated,
				Delta:      delta,
			})
			postings = append(postings, ledgerdomain.Transaction{
				ID:            s.genID.Generate(),
				AccountID:     accountID,
				Type:          ledgerdomain.TransactionTypeAdjustment,
				Bucket:        bucket,
				Amount:        delta,
				BalanceBefore: stored,
				BalanceAfter:  calculated,
				Description:   "Balance reconciliation adjustment",
				Metadata: map[string]any{
					"reason":     MetadataReason,
					"stored":     stored.String(),
					"calculated": calculated.String(),
				},
				CreatedAt: now,
			})
		}
		check(ledgerdomain.BucketPaid, account.PaidAvailable, totals.PaidAvailable)
		check(ledgerdomain.BucketFree, account.FreeAvailable, totals.FreeAvailable)

		res.TotalsRewritten = countersDrifted(account, totals, epsilon)
		if len(postings) == 0 && !res.TotalsRewritten {
			return nil
		}

		account.PaidAvailable = totals.PaidAvailable
		account.FreeAvailable = totals.FreeAvailable
		account.TotalPurchased = totals.TotalPurchased
		account.TotalUsed = totals.TotalUsed
		account.TotalRefunded = totals.TotalRefunded
		account.TotalFreeGranted = totals.TotalFreeGranted
		account.TotalFreeUsed = totals.TotalFreeUsed
		account.UpdatedAt = now
		if err := s.repo.UpdateAccount(ctx, tx, account); err != nil {
			return err
		}
		return s.repo.InsertTransactions(ctx, tx, postings)
	})
	if err != nil {
		return reconciledomain.AccountResult{}, err
	}
	return res, nil
}

func countersDrifted(account ledgerdomain.CreditAccount, totals ledgerdomain.Totals, epsilon decimal.Decimal) bool {
	pairs := [][2]decimal.Decimal{
		{account.TotalPurchased, totals.TotalPurchased},
		{account.TotalUsed, totals.TotalUsed},
		{account.TotalRefunded, totals.TotalRefunded},
		{account.TotalFreeGranted, totals.TotalFreeGranted},
		{account.TotalFreeUsed, totals.TotalFreeUsed},
	}
	for _, p := range pairs {
		if p[0].Sub(p[1]).Abs().GreaterThan(epsilon) {
			return true
		}
	}
	return false
}

func (s *Service) report(ctx context.Context, res reconciledomain.AccountResult) {
	for _, d := range res.Discrepancies {
		s.log.Warn("balance discrepancy corrected",
			zap.String("account_id", res.AccountID),
			zap.String("bucket", string(d.Bucket)),
			zap.String("stored", d.Stored.String()),
			zap.String("calculated", d.Calculated.String()),
			zap.String("delta", d.Delta.String()),
		)
		s.metrics.IncReconcileAdjustment(string(d.Bucket))
		s.obsMetrics.RecordReconcileAdjustment(ctx, string(d.Bucket))
		drift, _ := d.Delta.Float64()
		obsmetrics.Scheduler().ObserveDrift(string(d.Bucket), drift)
	}
	if res.TotalsRewritten {
		s.log.Warn("lifetime counters rewritten from transaction log", zap.String("account_id", res.AccountID))
	}
}

func (s *Service) epsilon() float64 {
	if eps := s.policy.Get().Reconciliation.Epsilon; eps > 0 {
		return eps
	}
	return defaultEpsilon
}
