package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/db"
	"github.com/hkhosravi/notification-gateway/internal/event"
	"github.com/hkhosravi/notification-gateway/internal/kafka"
	"github.com/hkhosravi/notification-gateway/internal/logger"
	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Run event consumer (Kafka -> notification fanout)",
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

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "notifgw-consumer"
		}

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		bus := event.NewBus()
		fanout := event.NewFanout(repository.NewNotificationsRepository(dbx))
		bus.Register("*", fanout.Handle)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> consumer started topic=%s group=%s", cfg.Kafka.Topic, groupID)

		loop := kafka.NewConsumeLoop(consumer, bus.Publish, logger.Log)
		return loop.Run(ctx)
	},
}
