package pricing

import (
	"context"

	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(func(clk clock.Clock) cache.PricingTableCache {
		return cache.NewPricingTableCache(clk, 0)
	}),
	fx.Provide(service.NewService),
	fx.Invoke(func(lc fx.Lifecycle, svc pricingdomain.Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				_, err := svc.SeedDefaults(ctx)
				return err
			},
		})
	}),
)
