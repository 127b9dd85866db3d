package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/config"
	"github.com/cloudact/quotagate/internal/migration"
	"github.com/cloudact/quotagate/internal/observability"
	"github.com/cloudact/quotagate/internal/scheduler"
	"github.com/cloudact/quotagate/internal/server"
	"github.com/cloudact/quotagate/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
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
