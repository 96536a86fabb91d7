package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

// Limiter answers whether n more deliveries on a channel fit in the
// current window, reserving them if so. The check and the reservation
// must be one atomic operation so concurrent dispatchers stay correct.
type Limiter interface {
	CheckAndReserve(ctx context.Context, channel model.Channel, n int) (bool, error)
}

// RedisLimiter is a fixed-window counter per channel, one Redis key per
// channel with the window as TTL. Safe across multiple dispatcher
// instances.
type RedisLimiter struct {
	client    *redis.Client
	window    time.Duration
	limitFor  func(channel string) int
	keyPrefix string
}

func NewRedisLimiter(client *redis.Client, window time.Duration, limitFor func(channel string) int) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client:    client,
		window:    window,
		limitFor:  limitFor,
		keyPrefix: "rl:chan:",
	}
}

// reserveScript atomically checks current+n against the limit and, when
// allowed, increments and starts the window TTL on the first increment.
var reserveScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local n = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])

	if current + n > limit then
		return 0
	end

	local v = redis.call('INCRBY', KEYS[1], n)
	if v == n then
		redis.call('EXPIRE', KEYS[1], window)
	end
	return 1
`)

func (l *RedisLimiter) CheckAndReserve(ctx context.Context, channel model.Channel, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	limit := l.limitFor(channel.String())
	if limit <= 0 {
		// no limit configured: allow
		return true, nil
	}

	key := l.keyPrefix + channel.String()
	res, err := reserveScript.Run(ctx, l.client, []string{key},
		n, limit, int(l.window.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var _ Limiter = (*RedisLimiter)(nil)

// LocalLimiter is an in-process fixed-window counter. Only correct for
// a single-instance dispatcher; use RedisLimiter when scaling out.
type LocalLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limitFor func(channel string) int
	now      func() time.Time
	counters map[model.Channel]*localWindow
}

type localWindow struct {
	start time.Time
	count int
}

func NewLocalLimiter(window time.Duration, limitFor func(channel string) int) *LocalLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		window:   window,
		limitFor: limitFor,
		now:      time.Now,
		counters: make(map[model.Channel]*localWindow),
	}
}

func (l *LocalLimiter) CheckAndReserve(_ context.Context, channel model.Channel, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	limit := l.limitFor(channel.String())
	if limit <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.counters[channel]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &localWindow{start: now}
		l.counters[channel] = w
	}

	if w.count+n > limit {
		return false, nil
	}
	w.count += n
	return true, nil
}

var _ Limiter = (*LocalLimiter)(nil)
