package http

import (
	"context"
	"log"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB) *Server {
	// repos (MySQL)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	batchesRepo := repository.NewBatchesRepository(mysqlDB)

	// repos (ClickHouse)
	deliveriesRepo := repository.NewDeliveryLogRepository(clickhouseDB)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// operator endpoints
	v1 := e.Group("/v1")
	v1.POST("/outbox/retry-failed", retryFailedHandler(outboxRepo))
	v1.POST("/batches/cleanup", cleanupBatchesHandler(batchesRepo, cfg.Retention.BatchRetentionDays))
	v1.GET("/batches/:id", getBatchHandler(batchesRepo))
	v1.GET("/reports/deliveries", listDeliveriesHandler(deliveriesRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
