package rate

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter tuning parameters.
type Config struct {
	Prefix      string
	MaxAttempts int
	Window      time.Duration
}

// Limiter counts hits per key in fixed windows.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "sr"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// AllowHandshake records one attempt from remoteAddr and returns
// ErrRateLimited once the window budget is exceeded. The port is stripped so
// every connection from one host shares a budget.
func (l *Limiter) AllowHandshake(ctx context.Context, remoteAddr string) error {
	host := HostOf(remoteAddr)
	if host == "" {
		return nil
	}
	return l.Allow(ctx, "h:"+host, l.config.MaxAttempts, l.config.Window)
}

// Allow counts one hit against key and returns ErrRateLimited once more than
// max hits land in the current window. key is namespaced by the configured
// prefix.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 || window <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, l.config.Prefix+":"+key, window)
	if err != nil {
		return err
	}
	if count > int64(max) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

// HostOf strips the port from addr. An address without a port is returned
// unchanged.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
