package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PricingRule is a persisted per-service price. Rows override the defaults
// carried in the credit policy.
type PricingRule struct {
	ID                    snowflake.ID        `json:"id" gorm:"primaryKey"`
	Service               string              `json:"service" gorm:"type:varchar(64);not null;uniqueIndex:ux_pricing_rules_service"`
	UnitPrice             decimal.Decimal     `json:"unit_price" gorm:"type:numeric(20,6);not null;default:0"`
	InputPricePerMillion  decimal.Decimal     `json:"input_price_per_million" gorm:"type:numeric(20,6);not null;default:0"`
	OutputPricePerMillion decimal.Decimal     `json:"output_price_per_million" gorm:"type:numeric(20,6);not null;default:0"`
	CreditConversionRate  decimal.NullDecimal `json:"credit_conversion_rate" gorm:"type:numeric(20,6)"`
	ProfitMargin          decimal.NullDecimal `json:"profit_margin" gorm:"type:numeric(20,6)"`
	IsActive              bool                `json:"is_active" gorm:"not null"`
	CreatedAt             time.Time           `json:"created_at" gorm:"not null"`
	UpdatedAt             time.Time           `json:"updated_at" gorm:"not null"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// Rule is the resolved price of one service inside a Table snapshot.
type Rule struct {
	Service               string
	UnitPrice             decimal.Decimal
	InputPricePerMillion  decimal.Decimal
	OutputPricePerMillion decimal.Decimal
	// ConversionRate, when valid, is provider currency per credit and replaces
	// the rate derived from the table and margin.
	ConversionRate decimal.NullDecimal
	ProfitMargin   decimal.NullDecimal
	Active         bool
}

// TokenMetered reports whether the service is priced per million tokens.
func (r Rule) TokenMetered() bool {
	return r.InputPricePerMillion.IsPositive() || r.OutputPricePerMillion.IsPositive()
}

// Table is an immutable snapshot of every price the calculator needs.
type Table struct {
	CreditToCurrencyRate decimal.Decimal
	DefaultProfitMargin  decimal.Decimal
	Rules                map[string]Rule
	LoadedAt             time.Time
}

type CostRequest struct {
	Service      string
	Quantity     decimal.Decimal
	InputTokens  int64
	OutputTokens int64
}

// Cost is the priced result of one CostRequest.
type Cost struct {
	Service        string          `json:"service"`
	ProviderCost   decimal.Decimal `json:"provider_cost"`
	ConversionRate decimal.Decimal `json:"conversion_rate"`
	Credits        decimal.Decimal `json:"credits"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
}
