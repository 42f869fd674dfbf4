package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/audit"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/cache"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/idempotency"
	"github.com/smallbiznis/duka/internal/mpesa"
	"github.com/smallbiznis/duka/internal/observability"
	"github.com/smallbiznis/duka/internal/operator"
	"github.com/smallbiznis/duka/internal/order"
	"github.com/smallbiznis/duka/internal/payment"
	"github.com/smallbiznis/duka/internal/scheduler"
	"github.com/smallbiznis/duka/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		observability.WithFxLogger,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,

		// Domain services required by the sweeps
		audit.Module,
		operator.Module,
		authorization.Module,
		idempotency.Module,
		order.Module,
		mpesa.Module,
		payment.Module,
		scheduler.Module,

		// No server module!
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

// StartScheduler runs the sweeps regardless of SCHEDULER_ENABLED; this binary
// exists only to run them.
func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
