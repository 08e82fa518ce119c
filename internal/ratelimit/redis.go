package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/knightrooks/agenthub/pkg/logger"
)

// slidingWindowScript trims the key's sorted set to the trailing window and
// admits the request only when fewer than limit members remain.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = now
if oldest[2] then
	oldest_score = tonumber(oldest[2])
end

if count < limit then
	local seq = redis.call('INCR', key .. ':seq')
	redis.call('ZADD', key, now, now .. ':' .. seq)
	redis.call('PEXPIRE', key, window_ms + 1000)
	redis.call('PEXPIRE', key .. ':seq', window_ms + 1000)
	if count == 0 then
		oldest_score = now
	end
	return {1, count + 1, oldest_score}
end
return {0, count, oldest_score}
`)

// Redis shares the sliding window between server instances through a
// sorted set per key. Redis failures degrade to the in-process limiter.
type Redis struct {
	client   *redis.Client
	fallback *Memory
	logger   *slog.Logger
	prefix   string
	limit    int
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Limit    int
	Window   time.Duration
	Prefix   string
}

// NewRedis connects to Redis and returns a limiter backed by it.
func NewRedis(opts RedisOptions, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return NewRedisWithClient(client, opts, log), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions, log *slog.Logger) *Redis {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Prefix == "" {
		opts.Prefix = "agenthub:ratelimit:"
	}
	return &Redis{
		client:   client,
		fallback: NewMemory(opts.Limit, opts.Window),
		logger:   logger.OrDiscard(log).With("component", "redis_rate_limiter"),
		prefix:   opts.Prefix,
		limit:    opts.Limit,
		window:   opts.Window,
		timeout:  250 * time.Millisecond,
		now:      time.Now,
	}
}

// Allow evaluates the sliding window atomically in Redis.
func (rl *Redis) Allow(ctx context.Context, key string) Decision {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	now := rl.now()
	nowMS := now.UnixMilli()
	windowStart := now.Add(-rl.window).UnixMilli()
	res, err := slidingWindowScript.Run(ctx, rl.client, []string{rl.prefix + key},
		nowMS, windowStart, rl.limit, rl.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 3 {
		rl.logger.Error("redis rate limiter error", "op", "eval", "key", key, "error", err)
		return rl.fallback.Allow(ctx, key)
	}
	decision := Decision{
		Allowed: res[0] == 1,
		Limit:   rl.limit,
		Count:   int(res[1]),
		ResetAt: time.UnixMilli(res[2]).Add(rl.window),
	}
	if decision.Allowed {
		decision.Remaining = rl.limit - decision.Count
	}
	return decision
}

// Close releases the client and the fallback limiter.
func (rl *Redis) Close() {
	rl.fallback.Close()
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

// Ping checks connectivity to Redis.
func (rl *Redis) Ping(ctx context.Context) error {
	if err := rl.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return nil
}
