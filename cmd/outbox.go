package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/db"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Outbox operator actions",
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed outbox events back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
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

		n, err := repository.NewOutboxRepository(dbx).ResetFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("reset failed events: %w", err)
		}

		fmt.Printf(">> %d failed outbox events reset to pending\n", n)
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxRetryCmd)
}
