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
	"golang.org/x/sync/errgroup"

	"github.com/hkhosravi/notification-gateway/internal/batcher"
	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/db"
	"github.com/hkhosravi/notification-gateway/internal/dispatcher"
	"github.com/hkhosravi/notification-gateway/internal/logger"
	"github.com/hkhosravi/notification-gateway/internal/metrics"
	"github.com/hkhosravi/notification-gateway/internal/presence"
	"github.com/hkhosravi/notification-gateway/internal/ratelimit"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run batcher + dispatcher (notifications -> batches -> channels)",
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

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		// repos
		notificationsRepo := repository.NewNotificationsRepository(dbx)
		batchesRepo := repository.NewBatchesRepository(dbx)
		deliveriesRepo := repository.NewDeliveryLogRepository(chDB)

		// batcher
		b := batcher.New(notificationsRepo, batchesRepo, logger.Log)
		if cfg.Batcher.PollInterval > 0 {
			b.Interval = cfg.Batcher.PollInterval
		}
		b.BatchSize = func(channel string) int { return cfg.Batcher.BatchSizeFor(channel, 100) }
		if cfg.Batcher.ReclaimAfter > 0 {
			b.ReclaimAfter = cfg.Batcher.ReclaimAfter
		}

		// rate limiter
		limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Window,
			func(channel string) int { return cfg.RateLimit.LimitFor(channel, 100) })

		// channel adapters
		adapters, err := dispatcher.NewAdapterTable(cfg.Adapters, presence.NewStore(redisClient), redisClient)
		if err != nil {
			return err
		}

		// dispatcher
		disp := dispatcher.NewDispatcher(batchesRepo, notificationsRepo, deliveriesRepo, limiter, adapters, logger.Log)
		if cfg.Dispatcher.PollInterval > 0 {
			disp.Interval = cfg.Dispatcher.PollInterval
		}
		if cfg.Dispatcher.Parallelism > 0 {
			disp.Parallelism = cfg.Dispatcher.Parallelism
		}
		if cfg.Dispatcher.ChunkSize > 0 {
			disp.ChunkSize = cfg.Dispatcher.ChunkSize
		}
		if cfg.Dispatcher.ChunkFanout > 0 {
			disp.ChunkFanout = cfg.Dispatcher.ChunkFanout
		}
		if cfg.Dispatcher.RateLimitBackoff > 0 {
			disp.RateLimitBackoff = cfg.Dispatcher.RateLimitBackoff
		}
		if cfg.Dispatcher.StallThreshold > 0 {
			disp.StallThreshold = cfg.Dispatcher.StallThreshold
		}
		if cfg.Dispatcher.StallScanInterval > 0 {
			disp.StallScanInterval = cfg.Dispatcher.StallScanInterval
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> pipeline started batcherInterval=%s dispatchInterval=%s parallelism=%d",
			b.Interval, disp.Interval, disp.Parallelism)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return b.Run(ctx) })
		g.Go(func() error { return disp.Run(ctx) })

		return g.Wait()
	},
}
