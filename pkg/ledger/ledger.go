package ledger

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// InsufficientBalanceError carries the shortfall amounts for the caller's
// error message.
type InsufficientBalanceError struct {
	Wallet    string
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %.6f, available %.6f (short %.6f)",
		e.Required, e.Available, e.Required-e.Available)
}

// Ledger performs wallet accounting against the Store. Reserve, Settle,
// Refund and Deposit on the same wallet are serialized through a per-wallet
// mutex so concurrent jobs cannot lose updates.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Ledger backed by the given store.
func New(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the serialization mutex for a wallet, creating it lazily.
func (l *Ledger) lockFor(wallet string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[wallet]
	if !ok {
		m = &sync.Mutex{}
		l.locks[wallet] = m
	}
	return m
}

// Get returns the wallet's current balance.
func (l *Ledger) Get(ctx context.Context, wallet string) (*store.WalletBalance, error) {
	return l.store.GetBalance(ctx, wallet)
}

// Deposit credits a verified payment: available and totalDeposited both grow.
func (l *Ledger) Deposit(ctx context.Context, wallet string, amount float64) (*store.WalletBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %.6f", amount)
	}

	lock := l.lockFor(wallet)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.GetBalance(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	balance.Available += amount
	balance.TotalDeposited += amount

	if err := l.store.UpsertBalance(ctx, balance); err != nil {
		return nil, fmt.Errorf("failed to persist deposit: %w", err)
	}

	log.WithFields(log.Fields{
		"wallet": wallet,
		"amount": amount,
	}).Info("Deposit credited")

	return balance, nil
}

// Reserve moves amount from available to pending, failing with
// InsufficientBalanceError when the wallet cannot cover it. The reservation
// is persisted before returning.
func (l *Ledger) Reserve(ctx context.Context, wallet string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %.6f", amount)
	}

	lock := l.lockFor(wallet)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.GetBalance(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	if balance.Available < amount {
		return &InsufficientBalanceError{
			Wallet:    wallet,
			Required:  amount,
			Available: balance.Available,
		}
	}

	balance.Available -= amount
	balance.Pending += amount

	if err := l.store.UpsertBalance(ctx, balance); err != nil {
		return fmt.Errorf("failed to persist reservation: %w", err)
	}
	return nil
}

// Settle finalizes a completed job: the reservation leaves pending, the
// actual charge is added to totalSpent, and the remainder returns to
// available. actual must not exceed reserved; callers cap it.
func (l *Ledger) Settle(ctx context.Context, wallet string, reserved, actual float64) error {
	if actual < 0 || actual > reserved {
		return fmt.Errorf("settle amount %.6f outside reservation %.6f", actual, reserved)
	}

	lock := l.lockFor(wallet)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.GetBalance(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	if balance.Pending < reserved {
		return fmt.Errorf("pending balance %.6f below reservation %.6f", balance.Pending, reserved)
	}

	balance.Pending -= reserved
	balance.Available += reserved - actual
	balance.TotalSpent += actual

	if err := l.store.UpsertBalance(ctx, balance); err != nil {
		return fmt.Errorf("failed to persist settlement: %w", err)
	}

	log.WithFields(log.Fields{
		"wallet":   wallet,
		"reserved": reserved,
		"actual":   actual,
		"refund":   reserved - actual,
	}).Debug("Reservation settled")

	return nil
}

// Refund returns a full reservation to available after a failed or cancelled
// job.
func (l *Ledger) Refund(ctx context.Context, wallet string, reserved float64) error {
	return l.Settle(ctx, wallet, reserved, 0)
}
