package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/lock"
	"github.com/smallbiznis/orderledger/internal/maintenance"
	"github.com/smallbiznis/orderledger/internal/migration"
	"github.com/smallbiznis/orderledger/internal/notify"
	"github.com/smallbiznis/orderledger/internal/observability"
	"github.com/smallbiznis/orderledger/internal/ordersession"
	"github.com/smallbiznis/orderledger/internal/points"
	"github.com/smallbiznis/orderledger/internal/referral"
	"github.com/smallbiznis/orderledger/internal/server"
	"github.com/smallbiznis/orderledger/internal/settlement"
	"github.com/smallbiznis/orderledger/internal/tenant"
	"github.com/smallbiznis/orderledger/internal/webhook"
	"github.com/smallbiznis/orderledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Domains
		tenant.Module,
		points.Module,
		ordersession.Module,
		referral.Module,
		notify.Module,
		webhook.Module,
		settlement.Module,
		maintenance.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}
