// Package circuitbreaker guards the Redis read path. After a run of
// consecutive failures the circuit opens and calls fail immediately with
// ErrCircuitOpen, which the cache layer treats as a signal to serve from
// PostgreSQL instead. After a cooldown the breaker admits a limited number
// of probes and closes again once enough of them succeed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the circuit is open.
	ErrCircuitOpen = errors.New("circuitbreaker: circuit open")
	// ErrTooManyRequests is returned when the half-open probe budget is
	// already spent.
	ErrTooManyRequests = errors.New("circuitbreaker: probe limit reached")
)

// Config tunes a CircuitBreaker. Zero fields take the documented defaults.
type Config struct {
	// Name tags state-change notifications.
	Name string

	// FailureThreshold is the run of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int

	// SuccessThreshold is the run of consecutive probe successes that
	// closes it again. Default 2.
	SuccessThreshold int

	// OpenTimeout is the cooldown before an open circuit starts admitting
	// probes. Default 30s.
	OpenTimeout time.Duration

	// HalfOpenLimit bounds the probes admitted per half-open episode.
	// Probes are counted on admission and reset only on a state change.
	// Defaults to SuccessThreshold, so one episode admits exactly the
	// probes needed to close the circuit.
	HalfOpenLimit int

	// OnStateChange, when set, is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker tracks consecutive outcomes and gates calls accordingly.
// Safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

// New returns a CircuitBreaker for the given config with defaults applied.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = cfg.SuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CacheBreaker is the policy for Redis calls. It opens after a short run of
// failures and probes again quickly: every guarded read falls back to
// PostgreSQL, so a degraded cache should get out of the way fast.
func CacheBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New(Config{
		Name:             "redis-cache",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      15 * time.Second,
		HalfOpenLimit:    1,
		OnStateChange:    onStateChange,
	})
}

// Execute runs fn if the circuit admits the call and records its outcome.
// Rejected calls return ErrCircuitOpen or ErrTooManyRequests without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probes = 1
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenLimit {
			return ErrTooManyRequests
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			// One failed probe reopens the circuit immediately.
			cb.setState(StateOpen)
		}
		return
	}

	cb.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

// setState transitions the breaker and resets the streak counters. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
