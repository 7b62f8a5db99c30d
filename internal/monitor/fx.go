package monitor

import (
	"context"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	"github.com/smallbiznis/creditmeter/internal/monitor/notify"
	"github.com/smallbiznis/creditmeter/internal/monitor/service"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("monitor.service",
	fx.Provide(
		notify.NewNotifier,
		func(l ledgerdomain.Service) service.BalanceReader { return l },
		func(p pricingdomain.Service) service.PriceTable { return p },
		service.NewManager,
		func(m *service.Manager) monitordomain.Manager { return m },
	),
	fx.Invoke(registerShutdown),
)

func registerShutdown(lc fx.Lifecycle, m *service.Manager) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return m.Shutdown(ctx)
		},
	})
}
