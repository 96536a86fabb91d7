package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/db"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

var batchesCleanupDays int

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Batch operator actions",
}

var batchesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed/failed batches past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		days := batchesCleanupDays
		if days <= 0 {
			days = cfg.Retention.BatchRetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention not configured; pass --days")
		}

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

		deleted, err := repository.NewBatchesRepository(dbx).DeleteOlderThan(cmd.Context(), time.Duration(days)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("delete batches: %w", err)
		}

		fmt.Printf(">> %d batches older than %dd deleted\n", deleted, days)
		return nil
	},
}

func init() {
	batchesCleanupCmd.Flags().IntVar(&batchesCleanupDays, "days", 0, "retention window in days (default from config)")
	batchesCmd.AddCommand(batchesCleanupCmd)
}
