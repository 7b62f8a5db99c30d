package usage

import (
	"github.com/smallbiznis/creditmeter/internal/usage/export"
	"github.com/smallbiznis/creditmeter/internal/usage/repository"
	"github.com/smallbiznis/creditmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.ProvideExport),
	fx.Provide(export.NewHTTPExporter),
	fx.Provide(export.NewSweepConfig),
	fx.Provide(export.NewSweeper),
	fx.Provide(service.NewService),
)
