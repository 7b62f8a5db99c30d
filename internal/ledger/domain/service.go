package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
)

// DeductRequest describes a priced usage to be funded from the account.
type DeductRequest struct {
	AccountID      string
	Service        string
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	Cost           decimal.Decimal
	Resource       usagedomain.ResourceRef
	IdempotencyKey string
	Metadata       map[string]any
}

// DeductResult carries the persisted usage event and the free/paid split.
type DeductResult struct {
	Event            usagedomain.UsageEvent
	FreeCost         decimal.Decimal
	PaidCost         decimal.Decimal
	Balance          Balance
	TransactionIDs   []snowflake.ID
	EmergencyApplied bool
	Shortfall        decimal.Decimal
	AlreadyProcessed bool
}

// AddRequest credits the paid bucket, keyed by an external reference.
type AddRequest struct {
	AccountID   string
	Credits     decimal.Decimal
	ExternalRef string
	Description string
	Metadata    map[string]any
}

// AddResult reports whether the credit was applied by this call.
type AddResult struct {
	Accepted         bool
	AlreadyProcessed bool
	Balance          Balance
	TransactionID    snowflake.ID
}

type ListTransactionsRequest struct {
	AccountID string
	Type      TransactionType
	pagination.Pagination
}

type ListTransactionsResponse struct {
	Transactions []Transaction       `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

type Service interface {
	GetBalance(ctx context.Context, accountID string) (Balance, error)
	EnsureFreeRenewal(ctx context.Context, accountID string) (Balance, error)
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	DeductEmergency(ctx context.Context, req DeductRequest) (DeductResult, error)
	Add(ctx context.Context, req AddRequest) (AddResult, error)
	Refund(ctx context.Context, req AddRequest) (AddResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	Replay(ctx context.Context, accountID string) (Totals, error)
}

var (
	ErrInsufficientCredits      = errors.New("insufficient_credits")
	ErrConcurrentUpdateConflict = errors.New("concurrent_update_conflict")
	ErrInvalidAccount           = errors.New("invalid_account")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidExternalRef       = errors.New("invalid_external_ref")
	ErrInvalidService           = errors.New("invalid_service")
)

// IsUnaffordable reports errors that mean "this account cannot pay for it right now".
func IsUnaffordable(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrConcurrentUpdateConflict)
}
