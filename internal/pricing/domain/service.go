package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type UpsertRuleRequest struct {
	Service               string           `json:"service"`
	UnitPrice             decimal.Decimal  `json:"unit_price"`
	InputPricePerMillion  decimal.Decimal  `json:"input_price_per_million"`
	OutputPricePerMillion decimal.Decimal  `json:"output_price_per_million"`
	CreditConversionRate  *decimal.Decimal `json:"credit_conversion_rate,omitempty"`
	ProfitMargin          *decimal.Decimal `json:"profit_margin,omitempty"`
	IsActive              *bool            `json:"is_active,omitempty"`
}

type Service interface {
	Table(ctx context.Context) (Table, error)
	Calculate(ctx context.Context, req CostRequest) (Cost, error)
	ListRules(ctx context.Context) ([]PricingRule, error)
	UpsertRule(ctx context.Context, req UpsertRuleRequest) (PricingRule, error)
	SeedDefaults(ctx context.Context) (int, error)
}

var (
	ErrUnknownService    = errors.New("unknown_service")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidMargin     = errors.New("invalid_profit_margin")
	ErrInvalidConversion = errors.New("invalid_conversion_rate")
)
