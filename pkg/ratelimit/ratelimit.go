package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// LimitError names which limit was hit.
type LimitError struct {
	Kind  string // "wallet" or "ip"
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: more than %d requests per window for %s", e.Limit, e.Kind)
}

// Limiter enforces sliding-window request caps per wallet and per source IP.
// Allow checks both windows; Record counts the request. A request is recorded
// only after it passes both checks, and both operations evaluate the same
// window so a request never counts against itself.
type Limiter interface {
	Allow(ctx context.Context, wallet, ip string) error
	Record(ctx context.Context, wallet, ip string) error
}

// Config holds the per-window caps.
type Config struct {
	PerWallet int
	PerIP     int
	Window    time.Duration
}

// DefaultConfig matches the gateway defaults: 60/min per wallet, 100/min per
// IP.
func DefaultConfig() Config {
	return Config{
		PerWallet: 60,
		PerIP:     100,
		Window:    time.Minute,
	}
}

// StoreLimiter counts requests in the durable Store.
type StoreLimiter struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewStoreLimiter creates a limiter backed by the Store's request log.
func NewStoreLimiter(s store.Store, cfg Config) *StoreLimiter {
	return &StoreLimiter{
		store: s,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (l *StoreLimiter) Allow(ctx context.Context, wallet, ip string) error {
	since := l.now().Add(-l.cfg.Window)

	if wallet != "" {
		count, err := l.store.GetRequestCount(ctx, wallet, since)
		if err != nil {
			return fmt.Errorf("failed to count wallet requests: %w", err)
		}
		if count >= l.cfg.PerWallet {
			return &LimitError{Kind: "wallet", Limit: l.cfg.PerWallet}
		}
	}

	if ip != "" {
		count, err := l.store.GetIPRequestCount(ctx, ip, since)
		if err != nil {
			return fmt.Errorf("failed to count ip requests: %w", err)
		}
		if count >= l.cfg.PerIP {
			return &LimitError{Kind: "ip", Limit: l.cfg.PerIP}
		}
	}

	return nil
}

func (l *StoreLimiter) Record(ctx context.Context, wallet, ip string) error {
	return l.store.RecordRequest(ctx, wallet, ip, l.now())
}

// SetClock overrides the time source. Tests only.
func (l *StoreLimiter) SetClock(now func() time.Time) {
	l.now = now
}
