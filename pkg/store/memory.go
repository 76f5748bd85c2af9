package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation. It backs tests and
// single-node development deployments; production uses PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*WalletBalance
	jobs     map[string]*Job
	usedTxs  map[string]*UsedTransaction
	usage    []*UsageRecord
	requests []requestRecord
	limits   map[string]*SpendingLimits
	apiKeys  map[string]*APIKey
}

type requestRecord struct {
	wallet string
	ip     string
	at     time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*WalletBalance),
		jobs:     make(map[string]*Job),
		usedTxs:  make(map[string]*UsedTransaction),
		limits:   make(map[string]*SpendingLimits),
		apiKeys:  make(map[string]*APIKey),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, wallet string) (*WalletBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[wallet]
	if !ok {
		// Balances are created lazily on first access.
		return &WalletBalance{Wallet: wallet}, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpsertBalance(ctx context.Context, balance *WalletBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *balance
	cp.UpdatedAt = time.Now()
	m.balances[balance.Wallet] = &cp
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	m.jobs[job.JobID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.JobID]; !ok {
		return ErrNotFound
	}
	cp := *job
	m.jobs[job.JobID] = &cp
	return nil
}

func (m *MemoryStore) GetJobsByWallet(ctx context.Context, wallet string, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, j := range m.jobs {
		if j.Wallet == wallet {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) CleanupOldJobs(ctx context.Context, completedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, j := range m.jobs {
		if j.CompletedAt != nil && j.CompletedAt.Before(completedBefore) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) IsTransactionUsed(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.usedTxs[txHash]
	return ok, nil
}

func (m *MemoryStore) MarkTransactionUsed(ctx context.Context, tx *UsedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check-and-set under one lock: only the first caller for a hash wins.
	if _, ok := m.usedTxs[tx.TxHash]; ok {
		return ErrTransactionUsed
	}
	cp := *tx
	if cp.UsedAt.IsZero() {
		cp.UsedAt = time.Now()
	}
	m.usedTxs[tx.TxHash] = &cp
	return nil
}

func (m *MemoryStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.usage = append(m.usage, &cp)
	return nil
}

func (m *MemoryStore) GetSpentInPeriod(ctx context.Context, wallet string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, rec := range m.usage {
		if rec.Wallet == wallet && !rec.CreatedAt.Before(since) {
			total += rec.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) GetRequestCount(ctx context.Context, wallet string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.requests {
		if r.wallet == wallet && !r.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetIPRequestCount(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.requests {
		if r.ip == ip && !r.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RecordRequest(ctx context.Context, wallet, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, requestRecord{wallet: wallet, ip: ip, at: at})

	// Drop entries older than an hour so the slice does not grow unbounded.
	cutoff := at.Add(-time.Hour)
	for len(m.requests) > 0 && m.requests[0].at.Before(cutoff) {
		m.requests = m.requests[1:]
	}
	return nil
}

func (m *MemoryStore) GetSpendingLimits(ctx context.Context, wallet string) (*SpendingLimits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.limits[wallet]
	if !ok {
		return &SpendingLimits{Wallet: wallet}, nil
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetSpendingLimits(ctx context.Context, limits *SpendingLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *limits
	m.limits[limits.Wallet] = &cp
	return nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *key
	m.apiKeys[key.Key] = &cp
	return nil
}

func (m *MemoryStore) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.apiKeys[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) GetAPIKeysByWallet(ctx context.Context, wallet string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*APIKey
	for _, k := range m.apiKeys {
		if k.Wallet == wallet {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, wallet, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[key]
	if !ok || k.Wallet != wallet {
		return ErrNotFound
	}
	if k.RevokedAt != nil {
		return ErrKeyRevoked
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (m *MemoryStore) TouchAPIKey(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[key]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

func (m *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{}
	wallets := make(map[string]bool)
	for _, j := range m.jobs {
		stats.TotalJobs++
		wallets[j.Wallet] = true
		switch j.Status {
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		}
	}
	for _, b := range m.balances {
		stats.TotalSpent += b.TotalSpent
	}
	stats.UniqueWallets = int64(len(wallets))
	return stats, nil
}
