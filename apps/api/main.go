package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/config"
	"github.com/smallbiznis/coachpay/internal/invoice"
	"github.com/smallbiznis/coachpay/internal/migration"
	"github.com/smallbiznis/coachpay/internal/observability"
	"github.com/smallbiznis/coachpay/internal/outbox"
	"github.com/smallbiznis/coachpay/internal/payment"
	"github.com/smallbiznis/coachpay/internal/ratelimit"
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
		migration.Module,
		clock.Module,

		// Confirmation writes subscription, payment, invoice and the outbox
		// row; delivery happens in the notifier.
		subscription.Module,
		invoice.Module,
		outbox.Module,
		payment.Module,
		ratelimit.Module,

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
