package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Job status values. Transitions are strictly forward:
// pending -> processing -> completed|failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTransactionUsed is returned when a payment transaction hash has
	// already been credited to a wallet.
	ErrTransactionUsed = errors.New("transaction already used")

	// ErrKeyRevoked is returned when a revoked API key is used.
	ErrKeyRevoked = errors.New("api key revoked")
)

// Job represents a compute job record.
type Job struct {
	JobID       string                 `json:"job_id"`
	RequestID   string                 `json:"request_id"`
	Wallet      string                 `json:"wallet"`
	Service     string                 `json:"service"`
	Status      string                 `json:"status"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Cost        float64                `json:"cost"`
	Units       float64                `json:"units,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// WalletBalance holds per-wallet accounting. Available and Pending must never
// go negative; reservations move available -> pending, settlement moves
// pending -> spent (with the unused remainder refunded to available).
type WalletBalance struct {
	Wallet         string    `json:"wallet"`
	Available      float64   `json:"available"`
	Pending        float64   `json:"pending"`
	TotalDeposited float64   `json:"total_deposited"`
	TotalSpent     float64   `json:"total_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UsedTransaction records a payment proof that has been credited. A hash is
// recorded exactly once; a second use must be rejected.
type UsedTransaction struct {
	TxHash string    `json:"tx_hash"`
	Wallet string    `json:"wallet"`
	Amount float64   `json:"amount"`
	UsedAt time.Time `json:"used_at"`
}

// SpendingLimits holds optional rolling-window spend ceilings for a wallet.
// A nil limit means unlimited.
type SpendingLimits struct {
	Wallet       string   `json:"wallet"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
}

// UsageRecord is one settled charge, keyed by settlement time. Spending
// limits are evaluated against trailing windows over these records.
type UsageRecord struct {
	Wallet    string    `json:"wallet"`
	JobID     string    `json:"job_id"`
	Service   string    `json:"service"`
	Amount    float64   `json:"amount"`
	Units     float64   `json:"units"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a bearer credential mapped to a wallet. Revocation is permanent;
// the row is retained for audit.
type APIKey struct {
	Key        string     `json:"key"`
	Wallet     string     `json:"wallet"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Stats holds aggregate gateway statistics.
type Stats struct {
	TotalJobs     int64   `json:"total_jobs"`
	CompletedJobs int64   `json:"completed_jobs"`
	FailedJobs    int64   `json:"failed_jobs"`
	TotalSpent    float64 `json:"total_spent"`
	UniqueWallets int64   `json:"unique_wallets"`
}

// Store is the durable persistence boundary for the gateway. Implementations
// must be safe for concurrent use. All wallet arguments are expected to be
// case-normalized by the caller (see NormalizeWallet).
type Store interface {
	// Balances
	GetBalance(ctx context.Context, wallet string) (*WalletBalance, error)
	UpsertBalance(ctx context.Context, balance *WalletBalance) error

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	GetJobsByWallet(ctx context.Context, wallet string, limit int) ([]*Job, error)
	CleanupOldJobs(ctx context.Context, completedBefore time.Time) (int64, error)

	// Payment replay protection. MarkTransactionUsed must be atomic: under
	// concurrent calls for the same hash exactly one succeeds, the rest
	// receive ErrTransactionUsed.
	IsTransactionUsed(ctx context.Context, txHash string) (bool, error)
	MarkTransactionUsed(ctx context.Context, tx *UsedTransaction) error

	// Usage ledger
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	GetSpentInPeriod(ctx context.Context, wallet string, since time.Time) (float64, error)

	// Rate limiting
	GetRequestCount(ctx context.Context, wallet string, since time.Time) (int, error)
	GetIPRequestCount(ctx context.Context, ip string, since time.Time) (int, error)
	RecordRequest(ctx context.Context, wallet, ip string, at time.Time) error

	// Spending limits
	GetSpendingLimits(ctx context.Context, wallet string) (*SpendingLimits, error)
	SetSpendingLimits(ctx context.Context, limits *SpendingLimits) error

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, key string) (*APIKey, error)
	GetAPIKeysByWallet(ctx context.Context, wallet string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, wallet, key string) error
	TouchAPIKey(ctx context.Context, key string, at time.Time) error

	// Aggregates
	GetStats(ctx context.Context) (*Stats, error)
}

// NormalizeWallet lower-cases a wallet address so that lookups are
// case-insensitive across the whole store.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
