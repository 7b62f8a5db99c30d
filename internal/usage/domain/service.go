package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// RecordRequest reports a normalised usage quantity for an account.
type RecordRequest struct {
	AccountID      string
	Service        string
	Quantity       decimal.Decimal
	InputTokens    int64
	OutputTokens   int64
	Resource       ResourceRef
	Metadata       map[string]any
	MustComplete   bool
	IdempotencyKey string
}

// RecordResult is returned to the caller for display.
type RecordResult struct {
	Event            UsageEvent      `json:"event"`
	Cost             decimal.Decimal `json:"cost"`
	FreeCost         decimal.Decimal `json:"free_cost"`
	PaidCost         decimal.Decimal `json:"paid_cost"`
	PaidAvailable    decimal.Decimal `json:"paid_available"`
	FreeAvailable    decimal.Decimal `json:"free_available"`
	EmergencyApplied bool            `json:"emergency_overdraft"`
	AlreadyProcessed bool            `json:"already_processed"`
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (RecordResult, error)
}

// Exporter forwards a recorded usage event to the external metering partner.
type Exporter interface {
	Export(ctx context.Context, events []UsageEvent) error
}

var (
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidService  = errors.New("invalid_service")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)
