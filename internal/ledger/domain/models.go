package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionType classifies an immutable ledger posting.
type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeUsage      TransactionType = "usage"      // paid-funded usage
	TransactionTypeFreeUsage  TransactionType = "free_usage" // free-funded usage
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
	TransactionTypeFreeGrant  TransactionType = "free_grant" // initial allocation and renewals
)

// Bucket names the balance a transaction touches.
type Bucket string

const (
	BucketPaid Bucket = "paid"
	BucketFree Bucket = "free"
)

// Metadata keys written on emergency postings.
const (
	MetadataEmergencyOverdraft = "emergency_overdraft"
	MetadataShortfall          = "shortfall"
)

// CreditAccount is the authoritative per-account balance row.
type CreditAccount struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	AccountID         string          `gorm:"type:varchar(128);not null;uniqueIndex:ux_credit_accounts_account_id"`
	PaidAvailable     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	FreeAvailable     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	TotalPurchased    decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	TotalUsed         decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	TotalRefunded     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	TotalFreeGranted  decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	TotalFreeUsed     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	FreeAllocation    decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	NextFreeRenewalAt time.Time       `gorm:"not null"`
	Version           int64           `gorm:"not null;default:0"`
	CreatedAt         time.Time       `gorm:"not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// Total is the spendable balance across both buckets.
func (a CreditAccount) Total() decimal.Decimal {
	return a.FreeAvailable.Add(a.PaidAvailable)
}

// Transaction is an append-only posting against one bucket.
type Transaction struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID     string            `gorm:"type:varchar(128);not null;index:ix_credit_transactions_account,priority:1" json:"account_id"`
	Type          TransactionType   `gorm:"type:varchar(32);not null;index:ix_credit_transactions_account,priority:2" json:"type"`
	Bucket        Bucket            `gorm:"type:varchar(8);not null" json:"bucket"`
	Amount        decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"amount"`
	BalanceBefore decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"balance_after"`
	Description   string            `gorm:"type:varchar(255)" json:"description"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	ExternalRef   *string           `gorm:"type:varchar(191);uniqueIndex:ux_credit_transactions_external_ref" json:"external_ref,omitempty"`
	UsageEventID  *snowflake.ID     `gorm:"index" json:"usage_event_id,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// Balance is the read model exposed to callers and UI layers.
type Balance struct {
	AccountID         string          `json:"account_id"`
	Available         decimal.Decimal `json:"available_credits"`
	PaidAvailable     decimal.Decimal `json:"paid_available"`
	FreeAvailable     decimal.Decimal `json:"free_available"`
	TotalPurchased    decimal.Decimal `json:"total_purchased"`
	TotalUsed         decimal.Decimal `json:"total_used"`
	TotalRefunded     decimal.Decimal `json:"total_refunded"`
	TotalFreeGranted  decimal.Decimal `json:"total_free_granted"`
	TotalFreeUsed     decimal.Decimal `json:"total_free_used"`
	FreeAllocation    decimal.Decimal `json:"free_allocation"`
	NextFreeRenewalAt time.Time       `json:"next_free_renewal_at"`
}

// BalanceFromAccount projects the stored row into its read model.
func BalanceFromAccount(a CreditAccount) Balance {
	return Balance{
		AccountID:         a.AccountID,
		Available:         a.Total(),
		PaidAvailable:     a.PaidAvailable,
		FreeAvailable:     a.FreeAvailable,
		TotalPurchased:    a.TotalPurchased,
		TotalUsed:         a.TotalUsed,
		TotalRefunded:     a.TotalRefunded,
		TotalFreeGranted:  a.TotalFreeGranted,
		TotalFreeUsed:     a.TotalFreeUsed,
		FreeAllocation:    a.FreeAllocation,
		NextFreeRenewalAt: a.NextFreeRenewalAt,
	}
}

// Totals are bucket balances and lifetime counters recomputed from the transaction log.
type Totals struct {
	PaidAvailable    decimal.Decimal
	FreeAvailable    decimal.Decimal
	TotalPurchased   decimal.Decimal
	TotalUsed        decimal.Decimal
	TotalRefunded    decimal.Decimal
	TotalFreeGranted decimal.Decimal
	TotalFreeUsed    decimal.Decimal
	Count            int64
}

// Accumulate folds the per-type sums of the transaction log into t.
// Adjustments record corrections of the stored row and are not part of the replay.
func (t *Totals) Accumulate(typ TransactionType, sum, positiveSum decimal.Decimal, count int64) {
	switch typ {
	case TransactionTypePurchase:
		t.PaidAvailable = t.PaidAvailable.Add(sum)
		t.TotalPurchased = t.TotalPurchased.Add(sum)
	case TransactionTypeRefund:
		t.PaidAvailable = t.PaidAvailable.Add(sum)
		t.TotalRefunded = t.TotalRefunded.Add(sum)
	case TransactionTypeUsage:
		t.PaidAvailable = t.PaidAvailable.Add(sum)
		t.TotalUsed = t.TotalUsed.Sub(sum)
	case TransactionTypeFreeUsage:
		t.FreeAvailable = t.FreeAvailable.Add(sum)
		t.TotalFreeUsed = t.TotalFreeUsed.Sub(sum)
	case TransactionTypeFreeGrant:
		t.FreeAvailable = t.FreeAvailable.Add(sum)
		t.TotalFreeGranted = t.TotalFreeGranted.Add(positiveSum)
	default:
		return
	}
	t.Count += count
}
