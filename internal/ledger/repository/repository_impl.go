package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	pkgrepo "github.com/smallbiznis/creditmeter/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *ledgerdomain.CreditAccount) (bool, error) {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) LockAccount(ctx context.Context, tx *gorm.DB, accountID string) (ledgerdomain.CreditAccount, error) {
	var account ledgerdomain.CreditAccount
	q := tx.WithContext(ctx)
	// SQLite serialises writers; FOR UPDATE is only emitted where it exists.
	if db.SupportsRowLocking(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("account_id = ?", accountID).First(&account).Error
	return account, err
}

func (r *repo) FindAccount(ctx context.Context, tx *gorm.DB, accountID string) (*ledgerdomain.CreditAccount, error) {
	var account ledgerdomain.CreditAccount
	err := tx.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateAccount(ctx context.Context, tx *gorm.DB, account ledgerdomain.CreditAccount) error {
	result := tx.WithContext(ctx).
		Model(&ledgerdomain.CreditAccount{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]any{
			"paid_available":       account.PaidAvailable,
			"free_available":       account.FreeAvailable,
			"total_purchased":      account.TotalPurchased,
			"total_used":           account.TotalUsed,
			"total_refunded":       account.TotalRefunded,
			"total_free_granted":   account.TotalFreeGranted,
			"total_free_used":      account.TotalFreeUsed,
			"free_allocation":      account.FreeAllocation,
			"next_free_renewal_at": account.NextFreeRenewalAt,
			"updated_at":           account.UpdatedAt,
			"version":              gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrStaleVersion
	}
	return nil
}

func (r *repo) InsertTransactions(ctx context.Context, tx *gorm.DB, txs []ledgerdomain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&txs).Error
}

func (r *repo) FindTransactionByExternalRef(ctx context.Context, tx *gorm.DB, ref string) (*ledgerdomain.Transaction, error) {
	var row ledgerdomain.Transaction
	err := tx.WithContext(ctx).Where("external_ref = ?", ref).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repo) ListTransactions(ctx context.Context, tx *gorm.DB, accountID string, typ ledgerdomain.TransactionType, beforeID snowflake.ID, limit int) ([]*ledgerdomain.Transaction, error) {
	// Zero-valued filter fields are ignored, so an empty type lists every type.
	filter := &ledgerdomain.Transaction{AccountID: accountID, Type: typ}
	return pkgrepo.ProvideStore[ledgerdomain.Transaction](tx).Find(ctx, filter,
		option.WithIDBefore(int64(beforeID)),
		option.WithOrder("id", true),
		option.WithLimit(limit),
	)
}

type typeSum struct {
	Type        ledgerdomain.TransactionType
	Total       decimal.Decimal
	PositiveSum decimal.Decimal
	Cnt         int64
}

func (r *repo) SumTotals(ctx context.Context, tx *gorm.DB, accountID string) (ledgerdomain.Totals, error) {
	var rows []typeSum
	err := tx.WithContext(ctx).Raw(
		`SELECT type,
		        COALESCE(SUM(amount), 0) AS total,
		        COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS positive_sum,
		        COUNT(*) AS cnt
		 FROM credit_transactions
		 WHERE account_id = ?
		 GROUP BY type`,
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return ledgerdomain.Totals{}, err
	}

	var totals ledgerdomain.Totals
	for _, row := range rows {
		totals.Accumulate(row.Type, row.Total.Round(6), row.PositiveSum.Round(6), row.Cnt)
	}
	return totals, nil
}

func (r *repo) ListAccounts(ctx context.Context, tx *gorm.DB, afterID snowflake.ID, limit int) ([]ledgerdomain.CreditAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ledgerdomain.CreditAccount
	err := tx.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
