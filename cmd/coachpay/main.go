package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	"github.com/smallbiznis/coachpay/internal/invoice"
	"github.com/smallbiznis/coachpay/internal/migration"
	"github.com/smallbiznis/coachpay/internal/notification"
	"github.com/smallbiznis/coachpay/internal/observability"
	"github.com/smallbiznis/coachpay/internal/outbox"
	"github.com/smallbiznis/coachpay/internal/payment"
	"github.com/smallbiznis/coachpay/internal/providers/email"
	"github.com/smallbiznis/coachpay/internal/ratelimit"
	"github.com/smallbiznis/coachpay/internal/scheduler"
	"github.com/smallbiznis/coachpay/internal/server"
	"github.com/smallbiznis/coachpay/internal/subscription"
	"github.com/smallbiznis/coachpay/pkg/db"
	"go.uber.org/fx"
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

		// Functional Domains
		subscription.Module,
		invoice.Module,
		outbox.Module,
		payment.Module,
		ratelimit.Module,
		email.Module,
		notification.Module,
		outbox.WorkerModule,
		scheduler.Module,

		// Payment, internal and admin routes on one listener.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
