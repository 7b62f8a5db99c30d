package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/migration"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/scheduler"
	"github.com/smallbiznis/creditmeter/internal/server"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
)

// Single-binary deployment: the HTTP API and the background jobs share one
// process. apps/api and apps/scheduler split them.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		observability.FxLogger,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// server.Module brings in every domain module plus redis and
		// accounting metrics.
		server.Module,
		scheduler.Module,
		fx.Invoke(scheduler.Start),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
