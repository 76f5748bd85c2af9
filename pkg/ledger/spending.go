package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// SpendingLimitError names the breached limit with the amounts involved.
type SpendingLimitError struct {
	Window    string
	Limit     float64
	Spent     float64
	Requested float64
}

func (e *SpendingLimitError) Error() string {
	return fmt.Sprintf("%s spending limit exceeded: limit %.6f, spent %.6f, requested %.6f",
		e.Window, e.Limit, e.Spent, e.Requested)
}

// CheckSpendingLimit rejects a proposed charge that would push the wallet's
// trailing 24h or 30d settled spend over a configured ceiling. Limits are
// rolling windows over the usage ledger, not calendar periods; absent limits
// mean unlimited.
func (l *Ledger) CheckSpendingLimit(ctx context.Context, wallet string, amount float64) error {
	limits, err := l.store.GetSpendingLimits(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to get spending limits: %w", err)
	}
	if limits.DailyLimit == nil && limits.MonthlyLimit == nil {
		return nil
	}

	now := time.Now()

	if limits.DailyLimit != nil {
		spent, err := l.store.GetSpentInPeriod(ctx, wallet, now.Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("failed to get daily spend: %w", err)
		}
		if spent+amount > *limits.DailyLimit {
			return &SpendingLimitError{
				Window:    "daily",
				Limit:     *limits.DailyLimit,
				Spent:     spent,
				Requested: amount,
			}
		}
	}

	if limits.MonthlyLimit != nil {
		spent, err := l.store.GetSpentInPeriod(ctx, wallet, now.Add(-30*24*time.Hour))
		if err != nil {
			return fmt.Errorf("failed to get monthly spend: %w", err)
		}
		if spent+amount > *limits.MonthlyLimit {
			return &SpendingLimitError{
				Window:    "monthly",
				Limit:     *limits.MonthlyLimit,
				Spent:     spent,
				Requested: amount,
			}
		}
	}

	return nil
}

// RecordUsage appends a settled charge to the usage ledger, keyed by
// settlement time.
func (l *Ledger) RecordUsage(ctx context.Context, rec *store.UsageRecord) error {
	return l.store.RecordUsage(ctx, rec)
}
