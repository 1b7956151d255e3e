package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/cache"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/events"
	"github.com/smallbiznis/patronage/internal/gateway"
	"github.com/smallbiznis/patronage/internal/migration"
	"github.com/smallbiznis/patronage/internal/observability"
	"github.com/smallbiznis/patronage/internal/scheduler"
	"github.com/smallbiznis/patronage/internal/server"
	"github.com/smallbiznis/patronage/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		events.Module,
		gateway.Module,

		// Billing domains and HTTP surface
		server.Module,
		scheduler.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
