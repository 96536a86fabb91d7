package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// MySQLOpts tunes the connection pool. Zero values keep the driver
// defaults; PingTimeout bounds the startup connectivity check.
type MySQLOpts struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// NewMySQLConnection opens and pings the primary store. The DSN must
// carry parseTime=true (DATETIME scanning) and multiStatements=true
// (migrate runs whole files).
func NewMySQLConnection(dsn string, opts MySQLOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}

	dbx, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	tunePool(dbx, opts.MaxOpenConns, opts.MaxIdleConns, opts.ConnMaxLifetime, opts.ConnMaxIdleTime)

	if err := pingWithTimeout(dbx, opts.PingTimeout, 5*time.Second); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}

	return dbx, nil
}

func tunePool(dbx *sqlx.DB, maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) {
	if maxOpen > 0 {
		dbx.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		dbx.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		dbx.SetConnMaxLifetime(maxLifetime)
	}
	if maxIdleTime > 0 {
		dbx.SetConnMaxIdleTime(maxIdleTime)
	}
}

func pingWithTimeout(dbx *sqlx.DB, timeout, fallback time.Duration) error {
	if timeout <= 0 {
		timeout = fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return dbx.PingContext(ctx)
}
