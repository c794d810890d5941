package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zaiongc/pos-sync/internal/config"
	"github.com/zaiongc/pos-sync/internal/httpx"
	"github.com/zaiongc/pos-sync/internal/jobs"
	"github.com/zaiongc/pos-sync/internal/order"
	"github.com/zaiongc/pos-sync/internal/shift"
	"github.com/zaiongc/pos-sync/internal/table"
	"github.com/zaiongc/pos-sync/internal/terminal"
)

func main() {
	cfg := config.Load()

	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("[pos-api] postgres: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(context.Background()); err != nil {
		log.Fatalf("[pos-api] postgres ping: %v", err)
	}

	// The API stays up without the broker; closes just skip the print job.
	var pub jobs.Publisher
	amqpPub, err := jobs.Dial(cfg.AMQPURL)
	if err != nil {
		log.Printf("[pos-api] amqp unavailable, report jobs disabled: %v", err)
	} else {
		defer amqpPub.Close()
		pub = amqpPub
	}

	orders := order.NewPGRepo(pool)
	shifts := shift.NewPGRepo(pool)
	tables := table.NewPGRepo(pool)
	terminals := terminal.NewPGRepo(pool)

	r := gin.New()
	r.Use(gin.Recovery(), httpx.RequestID(), httpx.Logger())

	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })

	api := r.Group("/", httpx.TenantContext())
	{
		api.POST("/shifts/open", openShiftHandler(shifts))
		api.GET("/shifts/current", currentShiftHandler(shifts))
		api.POST("/shifts/:id/movements", addMovementHandler(shifts))
		api.POST("/shifts/:id/close", closeShiftHandler(shifts, pub))
		api.GET("/shifts/:id/report", shiftReportHandler(shifts))
		api.GET("/shifts/:id/summary", shiftSummaryHandler(shifts))

		api.POST("/orders/open", openOrderHandler(orders))
		api.GET("/orders/:id", getOrderHandler(orders))
		api.POST("/orders/:id/items", addItemHandler(orders))
		api.POST("/orders/:id/items/:item_id/cancel", cancelItemHandler(orders))
		api.POST("/orders/:id/items/:item_id/done", itemDoneHandler(orders))
		api.POST("/orders/:id/send-kitchen", sendKitchenHandler(orders))
		api.POST("/orders/:id/payments", addPaymentHandler(orders))

		api.GET("/tables", listTablesHandler(tables))
		api.POST("/tables", createTableHandler(tables))
		api.GET("/tables/:id/current-order", tableCurrentOrderHandler(tables, orders))

		api.GET("/terminals", listTerminalsHandler(terminals))
		api.POST("/terminals", createTerminalHandler(terminals))
	}

	log.Printf("[pos-api] listening on %s", cfg.APIAddr)
	if err := r.Run(cfg.APIAddr); err != nil {
		log.Fatalf("[pos-api] server: %v", err)
	}
}
