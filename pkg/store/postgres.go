package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresStore is the durable Store implementation backed by PostgreSQL.
type PostgresStore struct {
	conn *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and verifies it.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Database connection established")

	return &PostgresStore{conn: conn}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.conn.Close()
}

// Migrate creates the gateway schema.
func (s *PostgresStore) Migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS wallet_balances (
		wallet VARCHAR(255) PRIMARY KEY,
		available DOUBLE PRECISION NOT NULL DEFAULT 0,
		pending DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_deposited DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_spent DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		wallet VARCHAR(255) NOT NULL,
		service VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		payload JSONB,
		result JSONB,
		error TEXT,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		units DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_wallet ON jobs(wallet);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);

	CREATE TABLE IF NOT EXISTS used_transactions (
		tx_hash VARCHAR(128) PRIMARY KEY,
		wallet VARCHAR(255) NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		used_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id SERIAL PRIMARY KEY,
		wallet VARCHAR(255) NOT NULL,
		job_id VARCHAR(64) NOT NULL,
		service VARCHAR(64) NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		units DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_usage_wallet_created ON usage_records(wallet, created_at);

	CREATE TABLE IF NOT EXISTS request_log (
		id SERIAL PRIMARY KEY,
		wallet VARCHAR(255),
		ip_address VARCHAR(45),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_request_log_wallet ON request_log(wallet, created_at);
	CREATE INDEX IF NOT EXISTS idx_request_log_ip ON request_log(ip_address, created_at);

	CREATE TABLE IF NOT EXISTS spending_limits (
		wallet VARCHAR(255) PRIMARY KEY,
		daily_limit DOUBLE PRECISION,
		monthly_limit DOUBLE PRECISION
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		api_key VARCHAR(128) PRIMARY KEY,
		wallet VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMP WITH TIME ZONE,
		revoked_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_wallet ON api_keys(wallet);
	`

	if _, err := s.conn.Exec(query); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Database migrations completed")
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, wallet string) (*WalletBalance, error) {
	query := `
		SELECT wallet, available, pending, total_deposited, total_spent, updated_at
		FROM wallet_balances WHERE wallet = $1
	`

	b := &WalletBalance{}
	err := s.conn.QueryRowContext(ctx, query, wallet).Scan(
		&b.Wallet, &b.Available, &b.Pending, &b.TotalDeposited, &b.TotalSpent, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &WalletBalance{Wallet: wallet}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpsertBalance(ctx context.Context, balance *WalletBalance) error {
	query := `
		INSERT INTO wallet_balances (wallet, available, pending, total_deposited, total_spent, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (wallet) DO UPDATE SET
			available = EXCLUDED.available,
			pending = EXCLUDED.pending,
			total_deposited = EXCLUDED.total_deposited,
			total_spent = EXCLUDED.total_spent,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.conn.ExecContext(ctx, query,
		balance.Wallet, balance.Available, balance.Pending, balance.TotalDeposited, balance.TotalSpent)
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO jobs (job_id, request_id, wallet, service, status, payload, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(ctx, query,
		job.JobID, job.RequestID, job.Wallet, job.Service, job.Status, payload, job.Cost, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `
		SELECT job_id, request_id, wallet, service, status, payload, result,
		       COALESCE(error, ''), cost, units, duration_ms, created_at, started_at, completed_at
		FROM jobs WHERE job_id = $1
	`
	return s.scanJob(s.conn.QueryRowContext(ctx, query, jobID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payload, result []byte
	err := row.Scan(
		&j.JobID, &j.RequestID, &j.Wallet, &j.Service, &j.Status, &payload, &result,
		&j.Error, &j.Cost, &j.Units, &j.DurationMs, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1, result = $2, error = NULLIF($3, ''), cost = $4,
		    units = $5, duration_ms = $6, started_at = $7, completed_at = $8
		WHERE job_id = $9
	`

	res, err := s.conn.ExecContext(ctx, query,
		job.Status, result, job.Error, job.Cost, job.Units, job.DurationMs,
		job.StartedAt, job.CompletedAt, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJobsByWallet(ctx context.Context, wallet string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT job_id, request_id, wallet, service, status, payload, result,
		       COALESCE(error, ''), cost, units, duration_ms, created_at, started_at, completed_at
		FROM jobs WHERE wallet = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CleanupOldJobs(ctx context.Context, completedBefore time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < $1`

	res, err := s.conn.ExecContext(ctx, query, completedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) IsTransactionUsed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM used_transactions WHERE tx_hash = $1)`
	if err := s.conn.QueryRowContext(ctx, query, txHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkTransactionUsed(ctx context.Context, tx *UsedTransaction) error {
	// ON CONFLICT DO NOTHING makes the insert the atomicity boundary: under
	// concurrent submissions of the same hash only one insert takes effect.
	query := `
		INSERT INTO used_transactions (tx_hash, wallet, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_hash) DO NOTHING
	`

	res, err := s.conn.ExecContext(ctx, query, tx.TxHash, tx.Wallet, tx.Amount)
	if err != nil {
		return fmt.Errorf("failed to mark transaction used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionUsed
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (wallet, job_id, service, amount, units)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query, rec.Wallet, rec.JobID, rec.Service, rec.Amount, rec.Units)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpentInPeriod(ctx context.Context, wallet string, since time.Time) (float64, error) {
	var total float64
	query := `SELECT COALESCE(SUM(amount), 0) FROM usage_records WHERE wallet = $1 AND created_at >= $2`
	if err := s.conn.QueryRowContext(ctx, query, wallet, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetRequestCount(ctx context.Context, wallet string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM request_log WHERE wallet = $1 AND created_at >= $2`
	if err := s.conn.QueryRowContext(ctx, query, wallet, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetIPRequestCount(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM request_log WHERE ip_address = $1 AND created_at >= $2`
	if err := s.conn.QueryRowContext(ctx, query, ip, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ip requests: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecordRequest(ctx context.Context, wallet, ip string, at time.Time) error {
	query := `INSERT INTO request_log (wallet, ip_address, created_at) VALUES ($1, $2, $3)`
	if _, err := s.conn.ExecContext(ctx, query, wallet, ip, at); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpendingLimits(ctx context.Context, wallet string) (*SpendingLimits, error) {
	query := `SELECT wallet, daily_limit, monthly_limit FROM spending_limits WHERE wallet = $1`

	l := &SpendingLimits{}
	err := s.conn.QueryRowContext(ctx, query, wallet).Scan(&l.Wallet, &l.DailyLimit, &l.MonthlyLimit)
	if err == sql.ErrNoRows {
		return &SpendingLimits{Wallet: wallet}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spending limits: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) SetSpendingLimits(ctx context.Context, limits *SpendingLimits) error {
	query := `
		INSERT INTO spending_limits (wallet, daily_limit, monthly_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit
	`

	_, err := s.conn.ExecContext(ctx, query, limits.Wallet, limits.DailyLimit, limits.MonthlyLimit)
	if err != nil {
		return fmt.Errorf("failed to set spending limits: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	query := `INSERT INTO api_keys (api_key, wallet, name, created_at) VALUES ($1, $2, $3, $4)`

	_, err := s.conn.ExecContext(ctx, query, key.Key, key.Wallet, key.Name, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT api_key, wallet, name, created_at, last_used_at, revoked_at
		FROM api_keys WHERE api_key = $1
	`

	k := &APIKey{}
	err := s.conn.QueryRowContext(ctx, query, key).Scan(
		&k.Key, &k.Wallet, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) GetAPIKeysByWallet(ctx context.Context, wallet string) ([]*APIKey, error) {
	query := `
		SELECT api_key, wallet, name, created_at, last_used_at, revoked_at
		FROM api_keys WHERE wallet = $1
		ORDER BY created_at
	`

	rows, err := s.conn.QueryContext(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		if err := rows.Scan(&k.Key, &k.Wallet, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, wallet, key string) error {
	query := `
		UPDATE api_keys SET revoked_at = CURRENT_TIMESTAMP
		WHERE api_key = $1 AND wallet = $2 AND revoked_at IS NULL
	`

	res, err := s.conn.ExecContext(ctx, query, key, wallet)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, key string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $1 WHERE api_key = $2`
	if _, err := s.conn.ExecContext(ctx, query, at, key); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(DISTINCT wallet)
		FROM jobs
	`
	if err := s.conn.QueryRowContext(ctx, query).Scan(
		&stats.TotalJobs, &stats.CompletedJobs, &stats.FailedJobs, &stats.UniqueWallets); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	spentQuery := `SELECT COALESCE(SUM(total_spent), 0) FROM wallet_balances`
	if err := s.conn.QueryRowContext(ctx, spentQuery).Scan(&stats.TotalSpent); err != nil {
		return nil, fmt.Errorf("failed to get total spent: %w", err)
	}
	return stats, nil
}
