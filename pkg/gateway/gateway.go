package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/circuit"
	"github.com/shreed27/AgentHub-sub013/pkg/ledger"
	"github.com/shreed27/AgentHub-sub013/pkg/metrics"
	"github.com/shreed27/AgentHub-sub013/pkg/payment"
	"github.com/shreed27/AgentHub-sub013/pkg/pricing"
	"github.com/shreed27/AgentHub-sub013/pkg/retry"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// Config holds orchestrator tunables.
type Config struct {
	JobTimeout             time.Duration
	Retry                  retry.Config
	MaxConcurrentPerWallet int
	WebhookSecret          string
	JobRetention           time.Duration
	SweepInterval          time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		JobTimeout:             5 * time.Minute,
		Retry:                  retry.DefaultConfig(),
		MaxConcurrentPerWallet: 10,
		JobRetention:           7 * 24 * time.Hour,
		SweepInterval:          time.Hour,
	}
}

// Gateway is the job orchestrator: it admits compute requests, reserves
// funds, dispatches execution to service handlers and reconciles the ledger
// on completion. Construct one per process with New; all state is instance
// scoped so gateways can coexist in tests.
type Gateway struct {
	cfg      Config
	store    store.Store
	ledger   *ledger.Ledger
	breakers *circuit.Registry
	verifier *payment.Verifier
	pricing  *pricing.Table
	webhooks *webhookSender

	hmu      sync.RWMutex
	handlers map[string]Handler

	amu            sync.Mutex
	activeByWallet map[string]int

	// transitions holds a one-shot claim per job for the pending->X edge, so
	// a concurrent cancel and dispatch cannot both touch the reservation.
	transitions sync.Map

	events eventBus

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Gateway. verifier may be nil when payment proofs are not
// accepted (deposits then come only from out-of-band credits).
func New(cfg Config, s store.Store, l *ledger.Ledger, breakers *circuit.Registry, verifier *payment.Verifier, table *pricing.Table) *Gateway {
	return &Gateway{
		cfg:            cfg,
		store:          s,
		ledger:         l,
		breakers:       breakers,
		verifier:       verifier,
		pricing:        table,
		webhooks:       newWebhookSender(cfg.WebhookSecret),
		handlers:       make(map[string]Handler),
		activeByWallet: make(map[string]int),
		stop:           make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a service. Registration fails for
// services without configured pricing, so a misconfigured deployment is
// caught at startup rather than at submission time.
func (g *Gateway) RegisterHandler(service string, h Handler) error {
	if !g.pricing.Has(service) {
		return fmt.Errorf("no pricing configured for service %q", service)
	}

	g.hmu.Lock()
	defer g.hmu.Unlock()

	if _, exists := g.handlers[service]; exists {
		return fmt.Errorf("handler already registered for service %q", service)
	}
	g.handlers[service] = h
	return nil
}

func (g *Gateway) handler(service string) (Handler, bool) {
	g.hmu.RLock()
	defer g.hmu.RUnlock()
	h, ok := g.handlers[service]
	return h, ok
}

// Subscribe returns a channel of lifecycle events.
func (g *Gateway) Subscribe() <-chan Event {
	return g.events.Subscribe()
}

// EstimateCost prices a request without submitting it.
func (g *Gateway) EstimateCost(req *ComputeRequest) (float64, error) {
	return g.pricing.EstimateForPayload(req.Service, req.Payload, req.Priority)
}

// Submit validates and admits a compute request. Each gate short-circuits to
// a failed response without persisting a job. Once funds are reserved and the
// job row is durable, execution is dispatched fire-and-forget and the pending
// response returns immediately.
func (g *Gateway) Submit(ctx context.Context, req *ComputeRequest) *ComputeResponse {
	req.Wallet = store.NormalizeWallet(req.Wallet)

	// Gate 1: service must be priced and have a registered handler.
	if !g.pricing.Has(req.Service) {
		metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		return g.fail(req, fmt.Sprintf("unknown service %q", req.Service))
	}
	if _, ok := g.handler(req.Service); !ok {
		metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		return g.fail(req, fmt.Sprintf("no handler registered for service %q", req.Service))
	}

	// Gate 2: circuit breaker. An open breaker past its cooldown flips to
	// half-open inside Check and lets this request through as the trial.
	if err := g.breakers.Check(req.Service); err != nil {
		metrics.RejectionsTotal.WithLabelValues("circuit_open").Inc()
		return g.fail(req, err.Error())
	}

	// Gate 3: pricing.
	estimatedCost, err := g.EstimateCost(req)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		return g.fail(req, err.Error())
	}

	// Gate 4: funds, with optional payment-proof top-up.
	balance, err := g.ledger.Get(ctx, req.Wallet)
	if err != nil {
		return g.fail(req, "failed to read balance")
	}
	if balance.Available < estimatedCost && req.PaymentProof != nil {
		if err := g.applyPaymentProof(ctx, req); err != nil {
			metrics.RejectionsTotal.WithLabelValues("payment").Inc()
			return g.fail(req, fmt.Sprintf("payment verification failed: %v", err))
		}
		balance, err = g.ledger.Get(ctx, req.Wallet)
		if err != nil {
			return g.fail(req, "failed to read balance")
		}
	}
	if balance.Available < estimatedCost {
		metrics.RejectionsTotal.WithLabelValues("balance").Inc()
		return g.fail(req, fmt.Sprintf("insufficient balance: required %.6f, available %.6f (short %.6f)",
			estimatedCost, balance.Available, estimatedCost-balance.Available))
	}

	// Gate 5: spending limits.
	if err := g.ledger.CheckSpendingLimit(ctx, req.Wallet, estimatedCost); err != nil {
		metrics.RejectionsTotal.WithLabelValues("spending_limit").Inc()
		return g.fail(req, err.Error())
	}

	// Gate 6: advisory per-wallet concurrency cap.
	if !g.acquireSlot(req.Wallet) {
		metrics.RejectionsTotal.WithLabelValues("concurrency").Inc()
		return g.fail(req, fmt.Sprintf("too many concurrent jobs for wallet (max %d)", g.cfg.MaxConcurrentPerWallet))
	}

	// Reserve funds. From here on every failure path must release the slot
	// and the reservation.
	if err := g.ledger.Reserve(ctx, req.Wallet, estimatedCost); err != nil {
		g.releaseSlot(req.Wallet)
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			metrics.RejectionsTotal.WithLabelValues("balance").Inc()
		}
		return g.fail(req, err.Error())
	}
	metrics.AmountReserved.Add(estimatedCost)

	job := &store.Job{
		JobID:     uuid.New().String(),
		RequestID: req.ID,
		Wallet:    req.Wallet,
		Service:   req.Service,
		Status:    store.StatusPending,
		Payload:   req.Payload,
		Cost:      estimatedCost,
		CreatedAt: time.Now(),
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		// Crash-consistency: never hold a reservation without a job row.
		if refundErr := g.ledger.Refund(context.Background(), req.Wallet, estimatedCost); refundErr != nil {
			log.WithFields(log.Fields{
				"wallet": req.Wallet,
				"amount": estimatedCost,
				"error":  refundErr.Error(),
			}).Error("Failed to refund reservation after job persist failure")
		}
		g.releaseSlot(req.Wallet)
		return g.fail(req, "failed to persist job")
	}

	log.WithFields(log.Fields{
		"job_id":  job.JobID,
		"wallet":  req.Wallet,
		"service": req.Service,
		"cost":    estimatedCost,
	}).Info("Job accepted")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.releaseSlot(req.Wallet)
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"job_id": job.JobID,
					"panic":  fmt.Sprintf("%v", r),
				}).Error("Job execution panicked")
			}
		}()
		g.execute(job.JobID, req, estimatedCost)
	}()

	return &ComputeResponse{
		ID:        req.ID,
		JobID:     job.JobID,
		Service:   req.Service,
		Status:    store.StatusPending,
		Cost:      estimatedCost,
		Timestamp: time.Now(),
	}
}

// applyPaymentProof verifies the proof and credits the wallet.
func (g *Gateway) applyPaymentProof(ctx context.Context, req *ComputeRequest) error {
	if g.verifier == nil {
		metrics.PaymentVerifications.WithLabelValues("unsupported").Inc()
		return errors.New("payment proofs are not accepted")
	}

	amount, err := g.verifier.Verify(ctx, req.Wallet, req.PaymentProof)
	if err != nil {
		metrics.PaymentVerifications.WithLabelValues(paymentFailureLabel(err)).Inc()
		return err
	}
	metrics.PaymentVerifications.WithLabelValues("verified").Inc()

	if _, err := g.ledger.Deposit(ctx, req.Wallet, amount); err != nil {
		return fmt.Errorf("failed to credit verified payment: %w", err)
	}
	return nil
}

func paymentFailureLabel(err error) string {
	switch {
	case errors.Is(err, payment.ErrTransactionUsed):
		return "replay"
	case errors.Is(err, payment.ErrAmountMismatch):
		return "mismatch"
	case errors.Is(err, payment.ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, payment.ErrUnsupportedNetwork):
		return "unsupported"
	default:
		return "failed"
	}
}

// Deposit verifies a standalone payment proof and credits the wallet,
// returning the updated balance.
func (g *Gateway) Deposit(ctx context.Context, wallet string, proof *payment.Proof) (*store.WalletBalance, error) {
	wallet = store.NormalizeWallet(wallet)
	if g.verifier == nil {
		metrics.PaymentVerifications.WithLabelValues("unsupported").Inc()
		return nil, errors.New("payment proofs are not accepted")
	}

	amount, err := g.verifier.Verify(ctx, wallet, proof)
	if err != nil {
		metrics.PaymentVerifications.WithLabelValues(paymentFailureLabel(err)).Inc()
		return nil, err
	}
	metrics.PaymentVerifications.WithLabelValues("verified").Inc()

	return g.ledger.Deposit(ctx, wallet, amount)
}

// execute runs a job's handler and reconciles the ledger. It is invoked once
// per accepted job; the pending->processing transition guards against a
// duplicate invocation settling twice.
func (g *Gateway) execute(jobID string, req *ComputeRequest, reservedCost float64) {
	ctx := context.Background()

	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		log.WithFields(log.Fields{"job_id": jobID, "error": err.Error()}).Error("Failed to load job for execution")
		return
	}
	if job.Status != store.StatusPending || !g.claimPendingTransition(jobID) {
		// Cancelled (or already picked up) between dispatch and execution;
		// the refund happened on that path, so this is a no-op.
		return
	}
	defer g.transitions.Delete(jobID)

	// Re-read under the claim: a cancel may have finished between the first
	// read and the claim.
	job, err = g.store.GetJob(ctx, jobID)
	if err != nil || job.Status != store.StatusPending {
		return
	}

	started := time.Now()
	job.Status = store.StatusProcessing
	job.StartedAt = &started
	if err := g.store.UpdateJob(ctx, job); err != nil {
		log.WithFields(log.Fields{"job_id": jobID, "error": err.Error()}).Error("Failed to mark job processing")
		// The reservation must not stay held behind a job that will never
		// run; fail it and give the funds back.
		g.finishFailed(ctx, job, reservedCost, fmt.Errorf("failed to start job: %w", err), req)
		return
	}
	g.events.publish(Event{Type: EventJobStarted, Job: job, Timestamp: started})
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	handler, ok := g.handler(req.Service)
	if !ok {
		g.finishFailed(ctx, job, reservedCost, fmt.Errorf("handler for service %q disappeared", req.Service), req)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, g.cfg.JobTimeout)
	defer cancel()

	var result *HandlerResult
	err = retry.Do(execCtx, g.cfg.Retry, func(attemptCtx context.Context) error {
		res, handlerErr := g.runHandler(attemptCtx, handler, req)
		if handlerErr != nil {
			return handlerErr
		}
		result = res
		return nil
	})

	duration := time.Since(started)
	metrics.JobDuration.WithLabelValues(req.Service).Observe(duration.Seconds())

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("job timed out after %s", g.cfg.JobTimeout)
		}
		g.finishFailed(ctx, job, reservedCost, err, req)
		return
	}

	g.finishCompleted(ctx, job, reservedCost, result, duration, req)
}

// runHandler races the handler against ctx so a hung handler can be
// abandoned. The goroutine may keep running after timeout; handlers are
// required to be safely abandonable.
func (g *Gateway) runHandler(ctx context.Context, h Handler, req *ComputeRequest) (*HandlerResult, error) {
	type outcome struct {
		res *HandlerResult
		err error
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := h.Execute(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishCompleted settles the reservation with the actual cost and persists
// the result.
func (g *Gateway) finishCompleted(ctx context.Context, job *store.Job, reservedCost float64, result *HandlerResult, duration time.Duration, req *ComputeRequest) {
	units := result.Units
	if units <= 0 {
		units = g.pricing.CalculateUnits(req.Service, req.Payload)
	}

	actualCost, err := g.pricing.Estimate(req.Service, units, req.Priority)
	if err != nil {
		actualCost = reservedCost
	}
	// The reservation is the ceiling: a job never charges beyond what was
	// held at admission.
	if actualCost > reservedCost {
		actualCost = reservedCost
	}

	if err := g.ledger.Settle(ctx, job.Wallet, reservedCost, actualCost); err != nil {
		log.WithFields(log.Fields{
			"job_id": job.JobID,
			"wallet": job.Wallet,
			"error":  err.Error(),
		}).Error("Failed to settle reservation")
	} else {
		metrics.AmountSettled.Add(actualCost)
		metrics.AmountRefunded.Add(reservedCost - actualCost)
	}

	if err := g.ledger.RecordUsage(ctx, &store.UsageRecord{
		Wallet:    job.Wallet,
		JobID:     job.JobID,
		Service:   job.Service,
		Amount:    actualCost,
		Units:     units,
		CreatedAt: time.Now(),
	}); err != nil {
		log.WithFields(log.Fields{"job_id": job.JobID, "error": err.Error()}).Warn("Failed to record usage")
	}

	completed := time.Now()
	job.Status = store.StatusCompleted
	job.Result = result.Output
	job.Cost = actualCost
	job.Units = units
	job.DurationMs = duration.Milliseconds()
	job.CompletedAt = &completed
	if err := g.store.UpdateJob(ctx, job); err != nil {
		log.WithFields(log.Fields{"job_id": job.JobID, "error": err.Error()}).Error("Failed to persist completed job")
	}

	g.breakers.RecordSuccess(job.Service)
	g.updateBreakerMetric(job.Service)
	metrics.JobsTotal.WithLabelValues(job.Service, store.StatusCompleted).Inc()

	log.WithFields(log.Fields{
		"job_id":      job.JobID,
		"service":     job.Service,
		"cost":        actualCost,
		"refund":      reservedCost - actualCost,
		"duration_ms": job.DurationMs,
	}).Info("Job completed")

	g.events.publish(Event{Type: EventJobCompleted, Job: job, Timestamp: completed})

	if req.CallbackURL != "" {
		g.webhooks.notify(req.CallbackURL, &ComputeResponse{
			ID:        req.ID,
			JobID:     job.JobID,
			Service:   job.Service,
			Status:    store.StatusCompleted,
			Cost:      actualCost,
			Result:    result.Output,
			Usage:     &Usage{Units: units, DurationMs: job.DurationMs},
			Timestamp: completed,
		})
	}
}

// finishFailed refunds the full reservation and persists the failure. Only
// transient errors count toward the service's circuit breaker; user-caused
// failures must not poison its health score.
func (g *Gateway) finishFailed(ctx context.Context, job *store.Job, reservedCost float64, execErr error, req *ComputeRequest) {
	if err := g.ledger.Refund(ctx, job.Wallet, reservedCost); err != nil {
		log.WithFields(log.Fields{
			"job_id": job.JobID,
			"wallet": job.Wallet,
			"error":  err.Error(),
		}).Error("Failed to refund reservation")
	} else {
		metrics.AmountRefunded.Add(reservedCost)
	}

	completed := time.Now()
	job.Status = store.StatusFailed
	job.Error = execErr.Error()
	job.CompletedAt = &completed
	if err := g.store.UpdateJob(ctx, job); err != nil {
		log.WithFields(log.Fields{"job_id": job.JobID, "error": err.Error()}).Error("Failed to persist failed job")
	}

	if retry.IsTransient(execErr) {
		g.breakers.RecordFailure(job.Service)
	}
	g.updateBreakerMetric(job.Service)
	metrics.JobsTotal.WithLabelValues(job.Service, store.StatusFailed).Inc()

	log.WithFields(log.Fields{
		"job_id":  job.JobID,
		"service": job.Service,
		"error":   execErr.Error(),
	}).Warn("Job failed")

	g.events.publish(Event{Type: EventJobFailed, Job: job, Timestamp: completed})

	if req.CallbackURL != "" {
		g.webhooks.notify(req.CallbackURL, &ComputeResponse{
			ID:        req.ID,
			JobID:     job.JobID,
			Service:   job.Service,
			Status:    store.StatusFailed,
			Cost:      0,
			Error:     execErr.Error(),
			Timestamp: completed,
		})
	}
}

// GetJob returns a job only to its owner. A wallet mismatch returns nil with
// no error so existence does not leak.
func (g *Gateway) GetJob(ctx context.Context, jobID, wallet string) (*store.Job, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if job.Wallet != store.NormalizeWallet(wallet) {
		return nil, nil
	}
	return job, nil
}

// GetJobsByWallet lists a wallet's jobs, newest first.
func (g *Gateway) GetJobsByWallet(ctx context.Context, wallet string, limit int) ([]*store.Job, error) {
	return g.store.GetJobsByWallet(ctx, store.NormalizeWallet(wallet), limit)
}

// CancelJob cancels a pending job, refunding its reservation. Jobs already
// processing cannot be cancelled; the handler invocation is not interrupted.
func (g *Gateway) CancelJob(ctx context.Context, jobID, wallet string) (bool, error) {
	job, err := g.GetJob(ctx, jobID, wallet)
	if err != nil {
		return false, err
	}
	if job == nil || job.Status != store.StatusPending {
		return false, nil
	}
	if !g.claimPendingTransition(jobID) {
		// Dispatch won the race; the job is effectively processing.
		return false, nil
	}
	defer g.transitions.Delete(jobID)

	// Re-read under the claim: dispatch may have moved the job on between
	// the first read and the claim.
	job, err = g.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != store.StatusPending {
		return false, nil
	}

	if err := g.ledger.Refund(ctx, job.Wallet, job.Cost); err != nil {
		return false, fmt.Errorf("failed to refund cancelled job: %w", err)
	}
	metrics.AmountRefunded.Add(job.Cost)

	completed := time.Now()
	job.Status = store.StatusFailed
	job.Error = "Cancelled by user"
	job.CompletedAt = &completed
	if err := g.store.UpdateJob(ctx, job); err != nil {
		return false, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	log.WithFields(log.Fields{"job_id": jobID, "wallet": job.Wallet}).Info("Job cancelled")

	g.events.publish(Event{Type: EventJobCancelled, Job: job, Timestamp: completed})
	return true, nil
}

// BreakerStates exposes circuit breaker snapshots for the admin surface.
func (g *Gateway) BreakerStates() []circuit.State {
	return g.breakers.States()
}

func (g *Gateway) updateBreakerMetric(service string) {
	var value float64
	switch g.breakers.GetState(service).Status {
	case circuit.StatusClosed:
		value = 0
	case circuit.StatusHalfOpen:
		value = 1
	case circuit.StatusOpen:
		value = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(service).Set(value)
}

// claimPendingTransition grants the pending->X edge of a job to exactly one
// caller at a time.
func (g *Gateway) claimPendingTransition(jobID string) bool {
	_, loaded := g.transitions.LoadOrStore(jobID, struct{}{})
	return !loaded
}

func (g *Gateway) acquireSlot(wallet string) bool {
	g.amu.Lock()
	defer g.amu.Unlock()

	if g.activeByWallet[wallet] >= g.cfg.MaxConcurrentPerWallet {
		return false
	}
	g.activeByWallet[wallet]++
	return true
}

func (g *Gateway) releaseSlot(wallet string) {
	g.amu.Lock()
	defer g.amu.Unlock()

	if g.activeByWallet[wallet] > 0 {
		g.activeByWallet[wallet]--
	}
	if g.activeByWallet[wallet] == 0 {
		delete(g.activeByWallet, wallet)
	}
}

// StartSweeper deletes completed jobs older than the retention window on an
// interval, until Shutdown. Balances, used transactions and API keys are
// never swept.
func (g *Gateway) StartSweeper() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-g.cfg.JobRetention)
				removed, err := g.store.CleanupOldJobs(context.Background(), cutoff)
				if err != nil {
					log.WithField("error", err.Error()).Error("Job retention sweep failed")
					continue
				}
				if removed > 0 {
					log.WithField("removed", removed).Info("Job retention sweep completed")
				}
			case <-g.stop:
				return
			}
		}
	}()
}

// Shutdown stops the sweeper, waits for in-flight jobs to drain (bounded by
// ctx) and closes the event bus.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.events.close()
	return nil
}

func (g *Gateway) fail(req *ComputeRequest, msg string) *ComputeResponse {
	return &ComputeResponse{
		ID:        req.ID,
		Service:   req.Service,
		Status:    store.StatusFailed,
		Error:     msg,
		Timestamp: time.Now(),
	}
}
