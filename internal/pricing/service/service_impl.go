package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.CreditPolicyHolder
	Cache  cache.PricingTableCache
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.CreditPolicyHolder
	cache  cache.PricingTableCache
	rules  repository.Repository[pricingdomain.PricingRule]
}

func NewService(p Params) pricingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("pricing.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		cache:  p.Cache,
		rules:  repository.ProvideStore[pricingdomain.PricingRule](p.DB),
	}
}

// Table returns the cached snapshot, rebuilding it from policy defaults
// overlaid with stored rules when the cache is cold.
func (s *Service) Table(ctx context.Context) (pricingdomain.Table, error) {
	if table, ok := s.cache.GetTable(); ok {
		return table, nil
	}

	policy := s.policy.Get()
	table := pricingdomain.Table{
		CreditToCurrencyRate: decimal.NewFromFloat(policy.CreditToCurrencyRate),
		DefaultProfitMargin:  decimal.NewFromFloat(policy.DefaultProfitMargin),
		Rules:                make(map[string]pricingdomain.Rule, len(policy.Pricing)),
		LoadedAt:             s.clock.Now(),
	}
	for _, cfg := range policy.Pricing {
		rule := ruleFromConfig(cfg)
		table.Rules[rule.Service] = rule
	}

	stored, err := s.rules.Find(ctx, nil)
	if err != nil {
		return pricingdomain.Table{}, err
	}
	for _, row := range stored {
		table.Rules[row.Service] = ruleFromRow(*row)
	}

	s.cache.SetTable(table)
	return table, nil
}

func (s *Service) Calculate(ctx context.Context, req pricingdomain.CostRequest) (pricingdomain.Cost, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return pricingdomain.Cost{}, err
	}
	return Calculate(table, req)
}

func (s *Service) ListRules(ctx context.Context) ([]pricingdomain.PricingRule, error) {
	rows, err := s.rules.Find(ctx, nil, option.WithOrder("service", false))
	if err != nil {
		return nil, err
	}
	out := make([]pricingdomain.PricingRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (s *Service) UpsertRule(ctx context.Context, req pricingdomain.UpsertRuleRequest) (pricingdomain.PricingRule, error) {
	service := strings.TrimSpace(req.Service)
	if service == "" {
		return pricingdomain.PricingRule{}, pricingdomain.ErrUnknownService
	}
	if req.UnitPrice.IsNegative() || req.InputPricePerMillion.IsNegative() || req.OutputPricePerMillion.IsNegative() {
		return pricingdomain.PricingRule{}, pricingdomain.ErrInvalidPrice
	}
	if req.ProfitMargin != nil && (req.ProfitMargin.IsNegative() || req.ProfitMargin.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		return pricingdomain.PricingRule{}, pricingdomain.ErrInvalidMargin
	}
	if req.CreditConversionRate != nil && !req.CreditConversionRate.IsPositive() {
		return pricingdomain.PricingRule{}, pricingdomain.ErrInvalidConversion
	}

	now := s.clock.Now()
	row := pricingdomain.PricingRule{
		ID:                    s.genID.Generate(),
		Service:               service,
		UnitPrice:             req.UnitPrice.Round(6),
		InputPricePerMillion:  req.InputPricePerMillion.Round(6),
		OutputPricePerMillion: req.OutputPricePerMillion.Round(6),
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.CreditConversionRate != nil {
		row.CreditConversionRate = decimal.NewNullDecimal(req.CreditConversionRate.Round(6))
	}
	if req.ProfitMargin != nil {
		row.ProfitMargin = decimal.NewNullDecimal(*req.ProfitMargin)
	}
	if req.IsActive != nil {
		row.IsActive = *req.IsActive
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.rules.WithTrx(tx).Upsert(ctx, &row, []string{"service"}, []string{
			"unit_price",
			"input_price_per_million",
			"output_price_per_million",
			"credit_conversion_rate",
			"profit_margin",
			"is_active",
			"updated_at",
		})
	})
	if err != nil {
		return pricingdomain.PricingRule{}, err
	}
	s.cache.Invalidate()

	stored, err := s.rules.FindOne(ctx, &pricingdomain.PricingRule{Service: service})
	if err != nil {
		return pricingdomain.PricingRule{}, err
	}
	if stored == nil {
		return row, nil
	}
	s.log.Info("pricing rule updated",
		zap.String("service", service),
		zap.Bool("is_active", stored.IsActive),
	)
	return *stored, nil
}

// SeedDefaults persists policy rules for services without a stored row and
// reports how many rows it inserted.
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	policy := s.policy.Get()
	now := s.clock.Now()

	inserted := 0
	for _, cfg := range policy.Pricing {
		rule := ruleFromConfig(cfg)
		row := pricingdomain.PricingRule{
			ID:                    s.genID.Generate(),
			Service:               rule.Service,
			UnitPrice:             rule.UnitPrice,
			InputPricePerMillion:  rule.InputPricePerMillion,
			OutputPricePerMillion: rule.OutputPricePerMillion,
			CreditConversionRate:  rule.ConversionRate,
			ProfitMargin:          rule.ProfitMargin,
			IsActive:              true,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		created, err := s.rules.CreateIfAbsent(ctx, &row, "service")
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	if inserted > 0 {
		s.cache.Invalidate()
		s.log.Info("pricing defaults seeded", zap.Int("inserted", inserted))
	}
	return inserted, nil
}

func ruleFromConfig(cfg config.PricingRuleConfig) pricingdomain.Rule {
	rule := pricingdomain.Rule{
		Service:               strings.TrimSpace(cfg.Service),
		UnitPrice:             decimal.NewFromFloat(cfg.UnitPrice),
		InputPricePerMillion:  decimal.NewFromFloat(cfg.InputPricePerMillion),
		OutputPricePerMillion: decimal.NewFromFloat(cfg.OutputPricePerMillion),
		Active:                true,
	}
	if cfg.CreditConversionRate != nil {
		rule.ConversionRate = decimal.NewNullDecimal(decimal.NewFromFloat(*cfg.CreditConversionRate))
	}
	if cfg.ProfitMargin != nil {
		rule.ProfitMargin = decimal.NewNullDecimal(decimal.NewFromFloat(*cfg.ProfitMargin))
	}
	return rule
}

func ruleFromRow(row pricingdomain.PricingRule) pricingdomain.Rule {
	return pricingdomain.Rule{
		Service:               row.Service,
		UnitPrice:             row.UnitPrice,
		InputPricePerMillion:  row.InputPricePerMillion,
		OutputPricePerMillion: row.OutputPricePerMillion,
		ConversionRate:        row.CreditConversionRate,
		ProfitMargin:          row.ProfitMargin,
		Active:                row.IsActive,
	}
}
