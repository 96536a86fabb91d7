package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOpts covers the rate limiter, presence set, and live push bus,
// which all share one client.
type RedisOpts struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

func NewRedisClient(opts RedisOpts) (*redis.Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}
