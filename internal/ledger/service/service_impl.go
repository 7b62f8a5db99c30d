package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.CreditPolicyHolder
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.CreditPolicyHolder
	repo       ledgerdomain.Repository
	usageRepo  repository.Repository[usagedomain.UsageEvent]
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		repo:       p.Repo,
		usageRepo:  repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		obsMetrics: p.ObsMetrics,
	}
}

// mutation runs under the account lock. It edits account in place and returns
// the postings to append; changed=false with no postings skips the row update.
type mutation func(tx *gorm.DB, account *ledgerdomain.CreditAccount, now time.Time) (txs []ledgerdomain.Transaction, changed bool, err error)

func (s *Service) GetBalance(ctx context.Context, accountID string) (ledgerdomain.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidAccount
	}

	existing, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	if existing != nil && s.clock.Now().Before(existing.NextFreeRenewalAt) {
		return ledgerdomain.BalanceFromAccount(*existing), nil
	}
	return s.EnsureFreeRenewal(ctx, accountID)
}

func (s *Service) EnsureFreeRenewal(ctx context.Context, accountID string) (ledgerdomain.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidAccount
	}
	account, err := s.withAccount(ctx, accountID, func(*gorm.DB, *ledgerdomain.CreditAccount, time.Time) ([]ledgerdomain.Transaction, bool, error) {
		return nil, false, nil
	})
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return ledgerdomain.BalanceFromAccount(account), nil
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	return s.deduct(ctx, req, false)
}

func (s *Service) DeductEmergency(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	return s.deduct(ctx, req, true)
}

func (s *Service) deduct(ctx context.Context, req ledgerdomain.DeductRequest, emergency bool) (ledgerdomain.DeductResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Service = strings.TrimSpace(req.Service)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.AccountID == "" {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidAccount
	}
	if req.Service == "" {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidService
	}
	if req.Cost.IsNegative() {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidAmount
	}
	cost := req.Cost.Round(6)

	var result ledgerdomain.DeductResult
	account, err := s.withAccount(ctx, req.AccountID, func(tx *gorm.DB, account *ledgerdomain.CreditAccount, now time.Time) ([]ledgerdomain.Transaction, bool, error) {
		result = ledgerdomain.DeductResult{}

		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			existing, err := s.usageRepo.WithTrx(tx).FindOne(ctx, &usagedomain.UsageEvent{
				AccountID:      req.AccountID,
				IdempotencyKey: &key,
			})
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				result.Event = *existing
				result.FreeCost = existing.FreeCost
				result.PaidCost = existing.PaidCost
				result.EmergencyApplied = existing.Emergency
				result.AlreadyProcessed = true
				return nil, false, nil
			}
		}

		split, err := splitCost(*account, cost, emergency)
		if err != nil {
			return nil, false, err
		}

		event := usagedomain.UsageEvent{
			ID:           s.genID.Generate(),
			AccountID:    req.AccountID,
			Service:      req.Service,
			Quantity:     req.Quantity,
			UnitCost:     req.UnitCost,
			TotalCost:    cost,
			FreeCost:     split.free,
			PaidCost:     split.paid,
			ResourceID:   req.Resource.ID,
			ResourceType: req.Resource.Type,
			Emergency:    split.overdraft,
			Metadata:     req.Metadata,
			CreatedAt:    now,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			event.IdempotencyKey = &key
		}
		if err := s.usageRepo.WithTrx(tx).Create(ctx, &event); err != nil {
			return nil, false, err
		}

		txs := make([]ledgerdomain.Transaction, 0, 2)
		if split.free.IsPositive() {
			before := account.FreeAvailable
			account.FreeAvailable = before.Sub(split.free)
			account.TotalFreeUsed = account.TotalFreeUsed.Add(split.free)
			txs = append(txs, s.newTransaction(account.AccountID, ledgerdomain.TransactionTypeFreeUsage, ledgerdomain.BucketFree,
				split.free.Neg(), before, account.FreeAvailable, "Usage: "+req.Service+" (free credits)", nil, &event.ID, now))
		}
		if split.paid.IsPositive() {
			before := account.PaidAvailable
			account.PaidAvailable = before.Sub(split.paid)
			account.TotalUsed = account.TotalUsed.Add(split.paid)
			var metadata map[string]any
			if split.overdraft {
				metadata = map[string]any{
					ledgerdomain.MetadataEmergencyOverdraft: true,
					ledgerdomain.MetadataShortfall:          split.shortfall.String(),
				}
			}
			txs = append(txs, s.newTransaction(account.AccountID, ledgerdomain.TransactionTypeUsage, ledgerdomain.BucketPaid,
				split.paid.Neg(), before, account.PaidAvailable, "Usage: "+req.Service, metadata, &event.ID, now))
		}

		result.Event = event
		result.FreeCost = split.free
		result.PaidCost = split.paid
		result.EmergencyApplied = split.overdraft
		result.Shortfall = split.shortfall
		for _, t := range txs {
			result.TransactionIDs = append(result.TransactionIDs, t.ID)
		}
		return txs, len(txs) > 0, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
			s.obsMetrics.RecordDeduction(ctx, "insufficient")
		case errors.Is(err, ledgerdomain.ErrConcurrentUpdateConflict):
			s.obsMetrics.RecordDeduction(ctx, "conflict")
		}
		return ledgerdomain.DeductResult{}, err
	}

	result.Balance = ledgerdomain.BalanceFromAccount(account)
	switch {
	case result.AlreadyProcessed:
		s.obsMetrics.RecordDeduction(ctx, "already_processed")
	case result.EmergencyApplied:
		s.obsMetrics.RecordDeduction(ctx, "emergency")
		s.log.Warn("emergency overdraft applied",
			zap.String("account_id", req.AccountID),
			zap.String("service", req.Service),
			zap.String("resource_id", req.Resource.ID),
			zap.String("cost", cost.String()),
			zap.String("shortfall", result.Shortfall.String()),
			zap.String("paid_available", account.PaidAvailable.String()),
		)
	default:
		s.obsMetrics.RecordDeduction(ctx, "ok")
	}
	return result, nil
}

func (s *Service) Add(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	return s.credit(ctx, req, ledgerdomain.TransactionTypePurchase)
}

func (s *Service) Refund(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	return s.credit(ctx, req, ledgerdomain.TransactionTypeRefund)
}

func (s *Service) credit(ctx context.Context, req ledgerdomain.AddRequest, typ ledgerdomain.TransactionType) (ledgerdomain.AddResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.ExternalRef = strings.TrimSpace(req.ExternalRef)
	if req.AccountID == "" {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidAccount
	}
	if req.ExternalRef == "" {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidExternalRef
	}
	if !req.Credits.IsPositive() {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidAmount
	}
	credits := req.Credits.Round(6)

	var result ledgerdomain.AddResult
	account, err := s.withAccount(ctx, req.AccountID, func(tx *gorm.DB, account *ledgerdomain.CreditAccount, now time.Time) ([]ledgerdomain.Transaction, bool, error) {
		result = ledgerdomain.AddResult{}

		existing, err := s.repo.FindTransactionByExternalRef(ctx, tx, req.ExternalRef)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			result.AlreadyProcessed = true
			result.TransactionID = existing.ID
			return nil, false, nil
		}

		before := account.PaidAvailable
		account.PaidAvailable = before.Add(credits)
		if typ == ledgerdomain.TransactionTypeRefund {
			account.TotalRefunded = account.TotalRefunded.Add(credits)
		} else {
			account.TotalPurchased = account.TotalPurchased.Add(credits)
		}

		description := strings.TrimSpace(req.Description)
		if description == "" {
			description = "Credit " + string(typ)
		}
		ref := req.ExternalRef
		posting := s.newTransaction(account.AccountID, typ, ledgerdomain.BucketPaid, credits, before, account.PaidAvailable, description, req.Metadata, nil, now)
		posting.ExternalRef = &ref

		result.Accepted = true
		result.TransactionID = posting.ID
		return []ledgerdomain.Transaction{posting}, true, nil
	})
	if err != nil {
		return ledgerdomain.AddResult{}, err
	}

	result.Balance = ledgerdomain.BalanceFromAccount(account)
	if result.AlreadyProcessed {
		s.log.Info("credit already applied",
			zap.String("account_id", req.AccountID),
			zap.String("external_ref", req.ExternalRef),
			zap.String("type", string(typ)),
		)
	}
	return result, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidAccount
	}

	var beforeID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	if cursor != nil {
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
	}

	size := req.Size()
	rows, err := s.repo.ListTransactions(ctx, s.db, accountID, req.Type, beforeID, size+1)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	page, info := pagination.BuildCursorPageInfo(rows, size, func(t *ledgerdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.String(), CreatedAt: t.CreatedAt.Format(time.RFC3339Nano)}
	})

	out := make([]ledgerdomain.Transaction, 0, len(page))
	for _, row := range page {
		out = append(out, *row)
	}
	return ledgerdomain.ListTransactionsResponse{Transactions: out, PageInfo: *info}, nil
}

func (s *Service) Replay(ctx context.Context, accountID string) (ledgerdomain.Totals, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.Totals{}, ledgerdomain.ErrInvalidAccount
	}
	return s.repo.SumTotals(ctx, s.db, accountID)
}

// withAccount runs fn inside one database transaction holding the account row,
// retrying the whole unit on optimistic or serialization conflicts.
func (s *Service) withAccount(ctx context.Context, accountID string, fn mutation) (ledgerdomain.CreditAccount, error) {
	attempts := s.policy.Get().Ledger.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var out ledgerdomain.CreditAccount
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			account, pending, dirty, err := s.loadForUpdate(ctx, tx, accountID, now)
			if err != nil {
				return err
			}

			txs, changed, err := fn(tx, &account, now)
			if err != nil {
				return err
			}

			if dirty || changed {
				account.UpdatedAt = now
				if err := s.repo.UpdateAccount(ctx, tx, account); err != nil {
					return err
				}
				account.Version++
			}
			if err := s.repo.InsertTransactions(ctx, tx, append(pending, txs...)); err != nil {
				return err
			}
			out = account
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !isRetryable(err) {
			return ledgerdomain.CreditAccount{}, err
		}
		lastErr = err
		s.log.Debug("ledger mutation conflict, retrying",
			zap.String("account_id", accountID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return ledgerdomain.CreditAccount{}, ctx.Err()
		}
	}

	s.log.Warn("ledger mutation exhausted retries",
		zap.String("account_id", accountID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return ledgerdomain.CreditAccount{}, ledgerdomain.ErrConcurrentUpdateConflict
}

// loadForUpdate lazily creates and then locks the account, applying any due
// free renewal. pending holds the free_grant postings this produced.
func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, accountID string, now time.Time) (ledgerdomain.CreditAccount, []ledgerdomain.Transaction, bool, error) {
	policy := s.policy.Get()
	period, err := config.ParseRenewalPeriod(policy.FreeCredits.RenewalPeriod)
	if err != nil {
		return ledgerdomain.CreditAccount{}, nil, false, err
	}
	allocation := decimal.NewFromFloat(policy.FreeCredits.Allocation).Round(6)

	fresh := ledgerdomain.CreditAccount{
		ID:                s.genID.Generate(),
		AccountID:         accountID,
		FreeAvailable:     allocation,
		TotalFreeGranted:  allocation,
		FreeAllocation:    allocation,
		NextFreeRenewalAt: period.Next(now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := s.repo.CreateIfAbsent(ctx, tx, &fresh)
	if err != nil {
		return ledgerdomain.CreditAccount{}, nil, false, err
	}

	account, err := s.repo.LockAccount(ctx, tx, accountID)
	if err != nil {
		return ledgerdomain.CreditAccount{}, nil, false, err
	}

	var pending []ledgerdomain.Transaction
	if created {
		s.log.Info("credit account created",
			zap.String("account_id", accountID),
			zap.String("free_allocation", allocation.String()),
		)
		if allocation.IsPositive() {
			pending = append(pending, s.newTransaction(accountID, ledgerdomain.TransactionTypeFreeGrant, ledgerdomain.BucketFree,
				allocation, decimal.Zero, allocation, "Initial free credit allocation", nil, nil, now))
		}
	}

	before := account.FreeAvailable
	delta, renewed := applyRenewal(&account, allocation, period, now)
	if renewed && !delta.IsZero() {
		pending = append(pending, s.newTransaction(accountID, ledgerdomain.TransactionTypeFreeGrant, ledgerdomain.BucketFree,
			delta, before, account.FreeAvailable, "Free credit renewal", nil, nil, now))
	}
	if renewed {
		s.log.Info("free credits renewed",
			zap.String("account_id", accountID),
			zap.String("delta", delta.String()),
			zap.Time("next_free_renewal_at", account.NextFreeRenewalAt),
		)
	}
	return account, pending, renewed, nil
}

func (s *Service) newTransaction(
	accountID string,
	typ ledgerdomain.TransactionType,
	bucket ledgerdomain.Bucket,
	amount, before, after decimal.Decimal,
	description string,
	metadata map[string]any,
	usageEventID *snowflake.ID,
	now time.Time,
) ledgerdomain.Transaction {
	return ledgerdomain.Transaction{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		Type:          typ,
		Bucket:        bucket,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Metadata:      metadata,
		UsageEventID:  usageEventID,
		CreatedAt:     now,
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, ledgerdomain.ErrStaleVersion) {
		return true
	}
	if db.IsSerializationFailure(err) {
		return true
	}
	// Lost race on an idempotency key or external reference; the next attempt
	// finds the committed winner and short-circuits.
	return db.IsDuplicateKeyErr(err)
}
