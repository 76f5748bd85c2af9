package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// NewRedisClient creates a new Redis client from a URL and verifies the
// connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis connection established")

	return client, nil
}

// RedisLimiter counts requests in Redis with TTL'd counters. Preferred over
// StoreLimiter when the gateway runs more than one replica, since all
// replicas share the same counters.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg}
}

func (l *RedisLimiter) Allow(ctx context.Context, wallet, ip string) error {
	if wallet != "" {
		limited, err := l.checkLimit(ctx, walletKey(wallet), l.cfg.PerWallet)
		if err != nil {
			return err
		}
		if limited {
			return &LimitError{Kind: "wallet", Limit: l.cfg.PerWallet}
		}
	}

	if ip != "" {
		limited, err := l.checkLimit(ctx, ipKey(ip), l.cfg.PerIP)
		if err != nil {
			return err
		}
		if limited {
			return &LimitError{Kind: "ip", Limit: l.cfg.PerIP}
		}
	}

	return nil
}

func (l *RedisLimiter) Record(ctx context.Context, wallet, ip string) error {
	if wallet != "" {
		if err := l.incrementCounter(ctx, walletKey(wallet)); err != nil {
			return err
		}
	}
	if ip != "" {
		if err := l.incrementCounter(ctx, ipKey(ip)); err != nil {
			return err
		}
	}
	return nil
}

func (l *RedisLimiter) checkLimit(ctx context.Context, key string, limit int) (bool, error) {
	count, err := l.client.Get(ctx, key).Int()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get rate limit counter: %w", err)
	}
	return count >= limit, nil
}

func (l *RedisLimiter) incrementCounter(ctx context.Context, key string) error {
	pipe := l.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.cfg.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment counter: %w", err)
	}
	return nil
}

func walletKey(wallet string) string {
	return fmt.Sprintf("ratelimit:wallet:%s", wallet)
}

func ipKey(ip string) string {
	return fmt.Sprintf("ratelimit:ip:%s", ip)
}
