package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shreed27/AgentHub-sub013/pkg/circuit"
	"github.com/shreed27/AgentHub-sub013/pkg/config"
	"github.com/shreed27/AgentHub-sub013/pkg/ledger"
	"github.com/shreed27/AgentHub-sub013/pkg/payment"
	"github.com/shreed27/AgentHub-sub013/pkg/pricing"
	"github.com/shreed27/AgentHub-sub013/pkg/retry"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

const wallet = "0xabc"

// testTable prices "metered" per unit so tests can steer actual cost through
// HandlerResult.Units, and "flat5" at a fixed charge.
func testTable() *pricing.Table {
	return &pricing.Table{
		Services: map[string]pricing.ServicePricing{
			"metered": {
				BasePrice:    0,
				PricePerUnit: 0.5,
				MinCharge:    0,
				MaxCharge:    10,
				Unit:         pricing.UnitTokens,
			},
			"flat5": {
				BasePrice:    5,
				PricePerUnit: 0,
				MinCharge:    5,
				MaxCharge:    5,
				Unit:         pricing.UnitFlat,
			},
		},
		Multipliers: map[string]float64{
			pricing.PriorityLow:    0.8,
			pricing.PriorityNormal: 1.0,
			pricing.PriorityHigh:   1.5,
			pricing.PriorityUrgent: 2.5,
		},
	}
}

type env struct {
	gw       *Gateway
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	breakers *circuit.Registry
}

func newEnv(t *testing.T, verifier *payment.Verifier) *env {
	t.Helper()

	s := store.NewMemoryStore()
	l := ledger.New(s)
	breakers := circuit.NewRegistry(5, time.Minute)

	gw := New(Config{
		JobTimeout:             5 * time.Second,
		Retry:                  retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		MaxConcurrentPerWallet: 10,
		JobRetention:           time.Hour,
		SweepInterval:          time.Hour,
	}, s, l, breakers, verifier, testTable())

	return &env{gw: gw, store: s, ledger: l, breakers: breakers}
}

// metered payload worth 4 units: estimate 4 * 0.5 = 2.00 at normal priority.
func meteredPayload() map[string]interface{} {
	return map[string]interface{}{"prompt": "sixteen chars ab"} // 16 chars -> 4 tokens
}

func waitForTerminal(t *testing.T, s store.Store, jobID string) *store.Job {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status", jobID)
		case <-time.After(5 * time.Millisecond):
		}

		job, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == store.StatusCompleted || job.Status == store.StatusFailed {
			return job
		}
	}
}

func waitForStatus(t *testing.T, s store.Store, jobID, status string) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		job, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == status {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("job %s never reached status %s (at %s)", jobID, status, job.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitReservesAndSettles(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	var duringRun *store.WalletBalance
	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			duringRun, _ = e.ledger.Get(ctx, wallet)
			return &HandlerResult{Output: "ok", Units: 3}, nil // actual 1.50
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)
	assert.Equal(t, 2.0, resp.Cost)
	require.NotEmpty(t, resp.JobID)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, 1.5, job.Cost)
	assert.Equal(t, 3.0, job.Units)

	// Funds were held while the handler ran.
	require.NotNil(t, duringRun)
	assert.Equal(t, 8.0, duringRun.Available)
	assert.Equal(t, 2.0, duringRun.Pending)

	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 8.5, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
	assert.Equal(t, 1.5, balance.TotalSpent)
}

func TestSubmitFailureRefundsFully(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			return nil, errors.New("model exploded")
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "model exploded")

	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
	assert.Equal(t, 0.0, balance.TotalSpent)

	// Permanent failures must not count toward the breaker.
	assert.Equal(t, circuit.StatusClosed, e.breakers.GetState("metered").Status)
	assert.Equal(t, 0, e.breakers.GetState("metered").Failures)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 1)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			t.Fatal("handler must not run for a rejected submission")
			return nil, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	assert.Equal(t, store.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "insufficient balance")
	assert.Contains(t, resp.Error, "short 1.000000")
}

func TestSubmitUnknownService(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.gw.Submit(context.Background(), &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "quantum",
	})
	assert.Equal(t, store.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "unknown service")
}

func TestSubmitNoHandlerRegistered(t *testing.T) {
	e := newEnv(t, nil)

	// Priced, but nothing serves it.
	resp := e.gw.Submit(context.Background(), &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "flat5",
	})
	assert.Equal(t, store.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "no handler registered")
}

func TestSubmitOpenBreakerRejectsBeforeHandler(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 100)
	require.NoError(t, err)

	invoked := false
	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			invoked = true
			return &HandlerResult{Output: "ok"}, nil
		})))

	for i := 0; i < 5; i++ {
		e.breakers.RecordFailure("metered")
	}

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	assert.Equal(t, store.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "circuit breaker open")
	assert.False(t, invoked)

	// Nothing was reserved for the rejected request.
	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
}

func TestSubmitSpendingLimitRejected(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 100)
	require.NoError(t, err)

	daily := 1.0
	require.NoError(t, e.store.SetSpendingLimits(ctx, &store.SpendingLimits{
		Wallet: wallet, DailyLimit: &daily,
	}))

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			return &HandlerResult{Output: "ok"}, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	assert.Equal(t, store.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "daily spending limit exceeded")
}

func TestSubmitConcurrencyCap(t *testing.T) {
	e := newEnv(t, nil)
	e.gw.cfg.MaxConcurrentPerWallet = 1
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 100)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			<-release
			return &HandlerResult{Output: "ok"}, nil
		})))

	first := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, first.Status, first.Error)

	second := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-2", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	assert.Equal(t, store.StatusFailed, second.Status)
	assert.Contains(t, second.Error, "too many concurrent jobs")

	close(release)
	waitForTerminal(t, e.store, first.JobID)

	// The slot frees once the first job finishes.
	third := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-3", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	assert.Equal(t, store.StatusPending, third.Status, third.Error)
	waitForTerminal(t, e.store, third.JobID)
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	attempts := 0
	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			attempts++
			if attempts <= 2 {
				return nil, errors.New("ECONNRESET")
			}
			return &HandlerResult{Output: "recovered", Units: 4}, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, 3, attempts)

	// Retries that ultimately succeed leave the breaker untouched.
	assert.Equal(t, circuit.StatusClosed, e.breakers.GetState("metered").Status)
	assert.Equal(t, 0, e.breakers.GetState("metered").Failures)
}

func TestTransientExhaustionTripsBreakerCounter(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			return nil, errors.New("502 bad gateway")
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Equal(t, 1, e.breakers.GetState("metered").Failures)
}

func TestActualCostCappedAtReservation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			// Claims far more units than estimated.
			return &HandlerResult{Output: "ok", Units: 1000}, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, 2.0, job.Cost, "charge never exceeds the reservation")

	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 8.0, balance.Available)
	assert.Equal(t, 2.0, balance.TotalSpent)
}

func TestSubmitWithPaymentProofTopsUp(t *testing.T) {
	treasury := "0x1111111111111111111111111111111111111111"
	token := "0x2222222222222222222222222222222222222222"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]interface{}{
				"status": "0x1",
				"logs": []interface{}{map[string]interface{}{
					"address": token,
					"topics": []string{
						"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
						"0x" + strings.Repeat("0", 24) + strings.Repeat("9", 40),
						"0x" + strings.Repeat("0", 24) + strings.TrimPrefix(treasury, "0x"),
					},
					"data": fmt.Sprintf("0x%064x", int64(10*1e6)), // 10 USDC
				}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	l := ledger.New(s)
	verifier := payment.NewVerifier(map[string]config.NetworkConfig{
		"base": {RPCURL: srv.URL, TokenContract: token, TokenDecimals: 6},
	}, treasury, 1.0, s)

	gw := New(Config{
		JobTimeout:             5 * time.Second,
		Retry:                  retry.Config{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		MaxConcurrentPerWallet: 10,
	}, s, l, circuit.NewRegistry(5, time.Minute), verifier, testTable())

	block := make(chan struct{})
	require.NoError(t, gw.RegisterHandler("flat5", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			<-block
			return &HandlerResult{Output: "ok"}, nil
		})))

	// Empty wallet; the proof funds the job.
	resp := gw.Submit(context.Background(), &ComputeRequest{
		ID:      "req-1",
		Wallet:  wallet,
		Service: "flat5",
		PaymentProof: &payment.Proof{
			TxHash: "0xfeed", Network: "base", AmountUSD: 10,
		},
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)
	assert.Equal(t, 5.0, resp.Cost)

	// Credited 10, reserved 5.
	balance, err := l.Get(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, 5.0, balance.Available)
	assert.Equal(t, 5.0, balance.Pending)
	assert.Equal(t, 10.0, balance.TotalDeposited)

	close(block)
	waitForTerminal(t, s, resp.JobID)
}

func TestDepositWithoutVerifierRejected(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.gw.Deposit(context.Background(), wallet, &payment.Proof{
		TxHash: "0xfeed", Network: "base", AmountUSD: 10,
	})
	assert.Error(t, err)
}

// flakyUpdateStore fails a set number of UpdateJob calls before behaving
// normally.
type flakyUpdateStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyUpdateStore) UpdateJob(ctx context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("write failed")
	}
	return s.MemoryStore.UpdateJob(ctx, job)
}

func TestProcessingTransitionFailureRefunds(t *testing.T) {
	fs := &flakyUpdateStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	l := ledger.New(fs)
	ctx := context.Background()

	gw := New(Config{
		JobTimeout:             5 * time.Second,
		Retry:                  retry.Config{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		MaxConcurrentPerWallet: 10,
	}, fs, l, circuit.NewRegistry(5, time.Minute), nil, testTable())

	_, err := l.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	var invoked bool
	require.NoError(t, gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			invoked = true
			return &HandlerResult{Output: "ok"}, nil
		})))

	resp := gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	// The pending->processing write fails; the job must fail and refund
	// rather than park at pending with the reservation held.
	job := waitForTerminal(t, fs, resp.JobID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "failed to start job")
	assert.False(t, invoked, "handler must not run for a job that never started")

	balance, err := l.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
}

func TestGetJobOwnership(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.CreateJob(ctx, &store.Job{
		JobID: "j1", Wallet: wallet, Service: "metered", Status: store.StatusCompleted,
	}))

	job, err := e.gw.GetJob(ctx, "j1", wallet)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Wrong owner and missing job look identical.
	job, err = e.gw.GetJob(ctx, "j1", "0xother")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = e.gw.GetJob(ctx, "missing", wallet)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancelPendingJobRefunds(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Reserve(ctx, wallet, 2))

	// A pending job whose dispatch has not run, as after a crash restart.
	require.NoError(t, e.store.CreateJob(ctx, &store.Job{
		JobID: "j1", Wallet: wallet, Service: "metered", Status: store.StatusPending, Cost: 2,
	}))

	cancelled, err := e.gw.CancelJob(ctx, "j1", wallet)
	require.NoError(t, err)
	assert.True(t, cancelled)

	job, err := e.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Equal(t, "Cancelled by user", job.Error)

	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)

	// Cancelling again is a no-op.
	cancelled, err = e.gw.CancelJob(ctx, "j1", wallet)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelProcessingJobRefused(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			<-release
			return &HandlerResult{Output: "ok", Units: 4}, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)
	waitForStatus(t, e.store, resp.JobID, store.StatusProcessing)

	cancelled, err := e.gw.CancelJob(ctx, resp.JobID, wallet)
	require.NoError(t, err)
	assert.False(t, cancelled, "processing jobs are not cancellable")

	close(release)
	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusCompleted, job.Status)

	// The job settled normally; no double refund.
	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 8.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
	assert.Equal(t, 2.0, balance.TotalSpent)
}

func TestCancelWrongOwner(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.CreateJob(ctx, &store.Job{
		JobID: "j1", Wallet: wallet, Status: store.StatusPending, Cost: 2,
	}))

	cancelled, err := e.gw.CancelJob(ctx, "j1", "0xother")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRegisterHandlerRequiresPricing(t *testing.T) {
	e := newEnv(t, nil)

	err := e.gw.RegisterHandler("unpriced", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			return nil, nil
		}))
	assert.Error(t, err)

	noop := HandlerFunc(func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
		return nil, nil
	})
	require.NoError(t, e.gw.RegisterHandler("metered", noop))
	assert.Error(t, e.gw.RegisterHandler("metered", noop), "duplicate registration")
}

func TestJobTimeout(t *testing.T) {
	e := newEnv(t, nil)
	e.gw.cfg.JobTimeout = 50 * time.Millisecond
	e.gw.cfg.Retry = retry.Config{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2}
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)

	job := waitForTerminal(t, e.store, resp.JobID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")

	balance, err := e.ledger.Get(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.Available)
	assert.Equal(t, 0.0, balance.Pending)
}

func TestEventsEmittedOverSubscription(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	events := e.gw.Subscribe()

	_, err := e.ledger.Deposit(ctx, wallet, 10)
	require.NoError(t, err)

	require.NoError(t, e.gw.RegisterHandler("metered", HandlerFunc(
		func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
			return &HandlerResult{Output: "ok", Units: 4}, nil
		})))

	resp := e.gw.Submit(ctx, &ComputeRequest{
		ID: "req-1", Wallet: wallet, Service: "metered", Payload: meteredPayload(),
	})
	require.Equal(t, store.StatusPending, resp.Status, resp.Error)
	waitForTerminal(t, e.store, resp.JobID)

	var seen []EventType
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case evt := <-events:
			seen = append(seen, evt.Type)
		case <-deadline:
			t.Fatalf("expected started+completed events, saw %v", seen)
		}
	}
	assert.Equal(t, []EventType{EventJobStarted, EventJobCompleted}, seen)
}
