package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ErrStaleVersion means the conditional update matched no row.
var ErrStaleVersion = errors.New("stale_account_version")

// Repository is the persistence surface of the ledger. Every method runs on
// the handle it is given so callers control the unit of work.
type Repository interface {
	// CreateIfAbsent inserts the row unless one exists for the account and
	// reports whether this call created it.
	CreateIfAbsent(ctx context.Context, db *gorm.DB, account *CreditAccount) (bool, error)
	LockAccount(ctx context.Context, db *gorm.DB, accountID string) (CreditAccount, error)
	FindAccount(ctx context.Context, db *gorm.DB, accountID string) (*CreditAccount, error)
	// UpdateAccount writes balances and counters iff the stored version still
	// equals account.Version, and bumps the version.
	UpdateAccount(ctx context.Context, db *gorm.DB, account CreditAccount) error
	InsertTransactions(ctx context.Context, db *gorm.DB, txs []Transaction) error
	FindTransactionByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, accountID string, typ TransactionType, beforeID snowflake.ID, limit int) ([]*Transaction, error)
	SumTotals(ctx context.Context, db *gorm.DB, accountID string) (Totals, error)
	ListAccounts(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]CreditAccount, error)
}
