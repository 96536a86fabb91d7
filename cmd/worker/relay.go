package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/db"
	"github.com/hkhosravi/notification-gateway/internal/kafka"
	"github.com/hkhosravi/notification-gateway/internal/logger"
	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/outbox"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run outbox relay (outbox rows -> Kafka)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		metrics.MustRegister(prometheus.DefaultRegisterer)

		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()

		relay := outbox.NewRelay(repository.NewOutboxRepository(dbx), producer, logger.Log)

		// tune knobs
		if cfg.Outbox.PollInterval > 0 {
			relay.Interval = cfg.Outbox.PollInterval
		}
		if cfg.Outbox.BatchSize > 0 {
			relay.BatchSize = cfg.Outbox.BatchSize
		}
		if cfg.Outbox.MaxRetries > 0 {
			relay.MaxRetries = cfg.Outbox.MaxRetries
		}
		if cfg.Outbox.ReclaimAfter > 0 {
			relay.ReclaimAfter = cfg.Outbox.ReclaimAfter
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> relay started topic=%s interval=%s batchSize=%d maxRetries=%d",
			cfg.Kafka.Topic, relay.Interval, relay.BatchSize, relay.MaxRetries)

		return relay.Run(ctx)
	},
}
