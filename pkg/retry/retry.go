package retry

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// DefaultConfig matches the gateway defaults: 3 retries starting at 1s,
// doubling each attempt.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
	}
}

// transientMarkers are substrings of error messages that indicate a
// network-class failure worth retrying. Anything else is permanent.
var transientMarkers = []string{
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"etimedout",
	"no such host",
	"dns",
	"eai_again",
	"temporary failure",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"socket hang up",
	"network",
	"unavailable",
}

// IsTransient reports whether an error looks like a network-class failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do runs op, retrying transient failures up to cfg.MaxRetries times with
// exponential backoff. Permanent errors are returned immediately. The backoff
// sleep respects ctx cancellation.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	delay := cfg.InitialDelay

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if attempt >= cfg.MaxRetries || !IsTransient(err) {
			return err
		}

		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
			"error":   err.Error(),
		}).Warn("Transient failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
	}
}
