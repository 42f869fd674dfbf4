package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/audit"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/cache"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/delivery"
	"github.com/smallbiznis/duka/internal/idempotency"
	"github.com/smallbiznis/duka/internal/migration"
	"github.com/smallbiznis/duka/internal/mpesa"
	"github.com/smallbiznis/duka/internal/observability"
	"github.com/smallbiznis/duka/internal/operator"
	"github.com/smallbiznis/duka/internal/order"
	"github.com/smallbiznis/duka/internal/payment"
	"github.com/smallbiznis/duka/internal/ratelimit"
	"github.com/smallbiznis/duka/internal/scheduler"
	"github.com/smallbiznis/duka/internal/server"
	"github.com/smallbiznis/duka/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		observability.WithFxLogger,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,

		// Functional Domains
		audit.Module,
		operator.Module,
		authorization.Module,
		idempotency.Module,
		ratelimit.Module,
		delivery.Module,
		order.Module,
		mpesa.Module,
		payment.Module,
		scheduler.Module,
		scheduler.RunnerModule,

		server.Module,
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
