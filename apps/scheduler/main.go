package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/ledger"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/pricing"
	"github.com/smallbiznis/creditmeter/internal/reconcile"
	"github.com/smallbiznis/creditmeter/internal/scheduler"
	"github.com/smallbiznis/creditmeter/internal/usage"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		observability.FxLogger,
		fx.Provide(RegisterSnowflake),
		db.Module,
		db.RedisModule,
		clock.Module,
		cloudmetrics.Module,

		// Domain services required by the jobs
		pricing.Module,
		ledger.Module,
		usage.Module,
		reconcile.Module,

		// No server module!
		scheduler.Module,
		fx.Invoke(scheduler.Start),
	)
	app.Run()
}

// Node 2 keeps scheduler-written adjustment ids disjoint from the API's.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
