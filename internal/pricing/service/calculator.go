package service

import (
	"strings"

	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
)

var perMillion = decimal.NewFromInt(1_000_000)

// Calculate prices req against table. It has no side effects.
//
// The conversion rate is provider currency per credit:
// (1 / creditToCurrencyRate) × (1 − profitMargin). Dividing provider cost by it
// charges enough credits that profitMargin of the credit value is margin.
func Calculate(table pricingdomain.Table, req pricingdomain.CostRequest) (pricingdomain.Cost, error) {
	service := strings.TrimSpace(req.Service)
	rule, ok := table.Rules[service]
	if !ok || !rule.Active {
		return pricingdomain.Cost{}, pricingdomain.ErrUnknownService
	}
	if req.Quantity.IsNegative() || req.InputTokens < 0 || req.OutputTokens < 0 {
		return pricingdomain.Cost{}, pricingdomain.ErrInvalidQuantity
	}

	var providerCost decimal.Decimal
	if rule.TokenMetered() {
		in := decimal.NewFromInt(req.InputTokens).Div(perMillion).Mul(rule.InputPricePerMillion)
		out := decimal.NewFromInt(req.OutputTokens).Div(perMillion).Mul(rule.OutputPricePerMillion)
		providerCost = in.Add(out)
	} else {
		providerCost = req.Quantity.Mul(rule.UnitPrice)
	}

	rate, err := ConversionRate(table, rule)
	if err != nil {
		return pricingdomain.Cost{}, err
	}

	credits := providerCost.Div(rate).Round(6)
	unitCost := credits
	if req.Quantity.IsPositive() && !rule.TokenMetered() {
		unitCost = rule.UnitPrice.Div(rate).Round(6)
	}

	return pricingdomain.Cost{
		Service:        service,
		ProviderCost:   providerCost.Round(6),
		ConversionRate: rate,
		Credits:        credits,
		UnitCost:       unitCost,
	}, nil
}

// ConversionRate resolves the provider-currency value of one credit for rule.
func ConversionRate(table pricingdomain.Table, rule pricingdomain.Rule) (decimal.Decimal, error) {
	if rule.ConversionRate.Valid {
		if !rule.ConversionRate.Decimal.IsPositive() {
			return decimal.Zero, pricingdomain.ErrInvalidConversion
		}
		return rule.ConversionRate.Decimal, nil
	}
	if !table.CreditToCurrencyRate.IsPositive() {
		return decimal.Zero, pricingdomain.ErrInvalidConversion
	}

	margin := table.DefaultProfitMargin
	if rule.ProfitMargin.Valid {
		margin = rule.ProfitMargin.Decimal
	}
	if margin.IsNegative() || margin.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, pricingdomain.ErrInvalidMargin
	}
	return decimal.NewFromInt(1).Div(table.CreditToCurrencyRate).Mul(decimal.NewFromInt(1).Sub(margin)), nil
}
