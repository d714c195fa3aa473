package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	"github.com/smallbiznis/coachpay/internal/invoice"
	"github.com/smallbiznis/coachpay/internal/notification"
	"github.com/smallbiznis/coachpay/internal/observability"
	"github.com/smallbiznis/coachpay/internal/outbox"
	"github.com/smallbiznis/coachpay/internal/providers/email"
	"github.com/smallbiznis/coachpay/internal/scheduler"
	"github.com/smallbiznis/coachpay/internal/server"
	"github.com/smallbiznis/coachpay/internal/subscription"
	"github.com/smallbiznis/coachpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		subscription.Module,
		invoice.Module,
		email.Module,
		notification.Module,
		outbox.Module,
		outbox.WorkerModule,

		// Outbox dispatch and subscription expiry.
		scheduler.Module,

		// Invoice email endpoint and admin outbox routes.
		server.Module,
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
