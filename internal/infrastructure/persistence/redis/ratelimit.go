// Package redis implements Redis-backed rate limiting for the ingestion
// service. A fixed-window counter per caller keeps abusive clients from
// flooding the event ledger while staying cheap for the hot path.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// MaxRetries is the maximum number of retries before giving up.
	MaxRetries int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrLimiterConnection is returned when the Redis connection fails.
	ErrLimiterConnection = errors.New("ratelimit: connection failed")

	// ErrLimiterKeyEmpty is returned when an empty identifier is provided.
	ErrLimiterKeyEmpty = errors.New("ratelimit: identifier cannot be empty")
)

// PrefixRateLimit namespaces rate limiting keys.
const PrefixRateLimit = "ratelimit:"

// RateLimitKey generates the counter key for an identifier and action.
func RateLimitKey(identifier, action string) string {
	return PrefixRateLimit + identifier + ":" + action
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXED-WINDOW LIMITER
// ══════════════════════════════════════════════════════════════════════════════

// LimiterConfig tunes a fixed-window rate limit.
type LimiterConfig struct {
	// Limit is the maximum number of requests per window.
	Limit int64

	// Window is the length of the counting window.
	Window time.Duration
}

// DefaultLimiterConfig allows 120 ingest calls per minute per caller,
// comfortably above the batching client's steady-state flush rate.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Limit:  120,
		Window: time.Minute,
	}
}

// Decision reports the outcome of a rate limit check.
type Decision struct {
	// Allowed is true when the request fits in the current window.
	Allowed bool

	// Remaining is the number of requests left in the window.
	Remaining int64

	// RetryAfter is how long to wait before the window resets.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// FixedWindowLimiter counts requests per identifier in fixed windows.
// The counter key is created with INCR and given a TTL on first use,
// so an idle identifier costs nothing after the window expires.
type FixedWindowLimiter struct {
	client *redis.Client
	config LimiterConfig
}

// NewFixedWindowLimiter connects to Redis and verifies the connection.
func NewFixedWindowLimiter(conn Config, cfg LimiterConfig) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimiterConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLimiterConfig().Window
	}

	client := redis.NewClient(&redis.Options{
		Addr:         conn.Addr(),
		Password:     conn.Password,
		DB:           conn.DB,
		PoolSize:     conn.PoolSize,
		MinIdleConns: conn.MinIdleConns,
		MaxRetries:   conn.MaxRetries,
		DialTimeout:  conn.DialTimeout,
		ReadTimeout:  conn.ReadTimeout,
		WriteTimeout: conn.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), conn.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLimiterConnection, err)
	}

	return &FixedWindowLimiter{
		client: client,
		config: cfg,
	}, nil
}

// Allow checks and consumes one request slot for the identifier.
// Redis failures fail open: ingestion availability matters more than
// strict limiting, so the caller proceeds when the check errors.
func (l *FixedWindowLimiter) Allow(ctx context.Context, identifier, action string) (Decision, error) {
	if identifier == "" {
		return Decision{Allowed: true}, ErrLimiterKeyEmpty
	}

	key := RateLimitKey(identifier, action)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: check %s: %w", key, err)
	}

	count := incr.Val()
	if count > l.config.Limit {
		retryAfter := l.config.Window
		if ttl, err := l.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: l.config.Limit - count,
	}, nil
}

// Reset clears the counter for an identifier, mainly for tests.
func (l *FixedWindowLimiter) Reset(ctx context.Context, identifier, action string) error {
	return l.client.Del(ctx, RateLimitKey(identifier, action)).Err()
}

// Ping checks if Redis is reachable.
func (l *FixedWindowLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}
