package circuit

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status represents the state of a circuit breaker
type Status string

const (
	StatusClosed   Status = "closed"    // Normal operation
	StatusOpen     Status = "open"      // Circuit broken, requests rejected
	StatusHalfOpen Status = "half-open" // One trial request allowed after cooldown
)

// OpenError is returned when a request is rejected by an open breaker. It
// carries the remaining cooldown so callers can surface an ETA.
type OpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("service %s unavailable, circuit breaker open, retry in %s", e.Service, e.RetryIn.Round(time.Millisecond))
}

// State is the tracked state for one service's breaker.
type State struct {
	Service     string     `json:"service"`
	Status      Status     `json:"status"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// Registry tracks one breaker per downstream service. State is process-local
// and rebuildable; it is not persisted.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*State
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewRegistry creates a breaker registry. threshold is the consecutive
// transient-failure count that opens a breaker; cooldown is how long an open
// breaker waits before allowing a half-open trial.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		states:    make(map[string]*State),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *Registry) state(service string) *State {
	s, ok := r.states[service]
	if !ok {
		s = &State{Service: service, Status: StatusClosed}
		r.states[service] = s
	}
	return s
}

// Check reports whether a request to the service may proceed. While open, it
// rejects with the remaining cooldown; once the cooldown elapses the breaker
// moves to half-open and the triggering request alone is allowed through.
// Further requests are rejected until the trial resolves via RecordSuccess or
// RecordFailure.
func (r *Registry) Check(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(service)
	switch s.Status {
	case StatusClosed:
		return nil
	case StatusHalfOpen:
		// The trial request is already in flight; only its outcome may
		// move the breaker.
		return &OpenError{Service: service, RetryIn: r.cooldown}
	}

	elapsed := r.now().Sub(*s.LastFailure)
	if elapsed >= r.cooldown {
		s.Status = StatusHalfOpen
		log.WithField("service", service).Info("Circuit breaker half-open, allowing trial request")
		return nil
	}

	return &OpenError{Service: service, RetryIn: r.cooldown - elapsed}
}

// RecordSuccess resets the failure counter. A half-open breaker closes.
func (r *Registry) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(service)
	now := r.now()
	s.LastSuccess = &now
	s.Failures = 0
	if s.Status != StatusClosed {
		log.WithField("service", service).Info("Circuit breaker closed")
		s.Status = StatusClosed
	}
}

// RecordFailure counts a transient failure. A half-open breaker re-opens
// immediately; a closed breaker opens once failures reach the threshold.
func (r *Registry) RecordFailure(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(service)
	now := r.now()
	s.LastFailure = &now
	s.Failures++

	if s.Status == StatusHalfOpen {
		s.Status = StatusOpen
		log.WithField("service", service).Warn("Circuit breaker re-opened after half-open failure")
		return
	}

	if s.Status == StatusClosed && s.Failures >= r.threshold {
		s.Status = StatusOpen
		log.WithFields(log.Fields{
			"service":  service,
			"failures": s.Failures,
		}).Warn("Circuit breaker opened")
	}
}

// GetState returns a snapshot of a service's breaker state.
func (r *Registry) GetState(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return *r.state(service)
}

// States returns snapshots of all tracked breakers.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, *s)
	}
	return out
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
