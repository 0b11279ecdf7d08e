// Package resilience provides fault tolerance patterns for provider calls.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // normal operation, requests pass through
	StateOpen                         // circuit open, requests fail immediately
	StateHalfOpen                     // probing whether the provider recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// FailureClass categorizes the outcome of a call executed under the breaker.
// Only Transient and Timeout outcomes move the state machine; Permanent
// outcomes are surfaced to the caller as errors but never count toward
// opening the circuit or against a half-open probe, since a provider
// configuration error (bad API key, malformed request) says nothing about
// whether the provider itself is healthy.
type FailureClass int32

const (
	FailureNone      FailureClass = iota // call succeeded
	FailureTransient                     // retryable remote failure (5xx, connection reset)
	FailureTimeout                       // call exceeded its deadline
	FailurePermanent                     // non-retryable (4xx other than 429, auth, bad request)
)

// Errors returned by the circuit breaker.
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTooManyRequest = errors.New("too many requests in half-open state")
)

// Config holds configuration for a circuit breaker.
type Config struct {
	Name               string
	FailureThreshold   int           // consecutive countable failures before opening (default: 3)
	SuccessThreshold   int           // consecutive successes to close from half-open (default: 2)
	Cooldown           time.Duration // time spent open before a probe is admitted (default: 30s)
	MaxHalfOpenRequest int           // max concurrent probes in half-open (default: 1)
	CountFolderRejected bool         // whether folder_rejected outcomes count as failures
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:               name,
		FailureThreshold:   3,
		SuccessThreshold:   2,
		Cooldown:           30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// CircuitBreaker implements a three-way-classified circuit breaker: one
// breaker instance guards a single (provider, model) pair.
type CircuitBreaker struct {
	name string

	state            int32 // atomic: CircuitState
	failureCount     int32 // atomic, counts only Transient/Timeout
	successCount     int32 // atomic
	halfOpenRequests int32 // atomic

	failureThreshold   int
	successThreshold   int
	cooldown           time.Duration
	maxHalfOpenRequest int
	countFolderReject  bool

	lastFailureTime time.Time
	openedAt        time.Time
	mu              sync.RWMutex

	onStateChange func(name string, from, to CircuitState)
}

// New creates a new circuit breaker with the given config.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxHalfOpenRequest <= 0 {
		cfg.MaxHalfOpenRequest = 1
	}

	return &CircuitBreaker{
		name:                cfg.Name,
		state:               int32(StateClosed),
		failureThreshold:    cfg.FailureThreshold,
		successThreshold:    cfg.SuccessThreshold,
		cooldown:            cfg.Cooldown,
		maxHalfOpenRequest:  cfg.MaxHalfOpenRequest,
		countFolderReject:   cfg.CountFolderRejected,
	}
}

// OnStateChange sets a callback invoked whenever the breaker transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}

// Name returns the circuit breaker's name (provider/model pair identifier).
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// CountFolderRejected reports whether folder_rejected outcomes should be
// classified as countable failures by the orchestrator.
func (cb *CircuitBreaker) CountFolderRejected() bool {
	return cb.countFolderReject
}

// Allow reports whether a call may proceed right now. Call Report with the
// outcome once the call completes. Allow itself admits exactly one
// concurrent probe while half-open.
func (cb *CircuitBreaker) Allow() error {
	state := cb.State()

	switch state {
	case StateClosed:
		return nil

	case StateOpen:
		cb.mu.RLock()
		lastFailure := cb.lastFailureTime
		cb.mu.RUnlock()

		if time.Since(lastFailure) >= cb.cooldown {
			cb.setState(StateHalfOpen)
			atomic.StoreInt32(&cb.halfOpenRequests, 0)
			atomic.StoreInt32(&cb.successCount, 0)
			// fall through to half-open admission below
		} else {
			return ErrCircuitOpen
		}
		fallthrough

	case StateHalfOpen:
		current := atomic.AddInt32(&cb.halfOpenRequests, 1)
		if int(current) > cb.maxHalfOpenRequest {
			atomic.AddInt32(&cb.halfOpenRequests, -1)
			return ErrTooManyRequest
		}
		return nil
	}

	return nil
}

// Report records the classified outcome of a call previously admitted by
// Allow. FailurePermanent never moves the state machine.
func (cb *CircuitBreaker) Report(class FailureClass) {
	state := cb.State()

	switch class {
	case FailureNone:
		cb.recordSuccess(state)
	case FailurePermanent:
		// surfaced to caller elsewhere; breaker stays as-is
		if state == StateHalfOpen {
			atomic.AddInt32(&cb.halfOpenRequests, -1)
		}
	case FailureTransient, FailureTimeout:
		cb.recordFailure(state)
	}
}

// Execute runs fn under breaker admission control, classifying its result
// with classify. If classify is nil, any non-nil error is treated as
// Transient.
func (cb *CircuitBreaker) Execute(fn func() error, classify func(error) FailureClass) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	class := FailureNone
	if err != nil {
		if classify != nil {
			class = classify(err)
		} else {
			class = FailureTransient
		}
	}
	cb.Report(class)
	return err
}

func (cb *CircuitBreaker) recordFailure(state CircuitState) {
	atomic.AddInt32(&cb.failureCount, 1)
	atomic.StoreInt32(&cb.successCount, 0)

	cb.mu.Lock()
	cb.lastFailureTime = time.Now()
	cb.mu.Unlock()

	switch state {
	case StateClosed:
		if int(atomic.LoadInt32(&cb.failureCount)) >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		atomic.AddInt32(&cb.halfOpenRequests, -1)
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess(state CircuitState) {
	atomic.AddInt32(&cb.successCount, 1)

	switch state {
	case StateClosed:
		atomic.StoreInt32(&cb.failureCount, 0)
	case StateHalfOpen:
		atomic.AddInt32(&cb.halfOpenRequests, -1)
		if int(atomic.LoadInt32(&cb.successCount)) >= cb.successThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState atomically transitions state and resets counters.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := CircuitState(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}

	atomic.StoreInt32(&cb.failureCount, 0)
	atomic.StoreInt32(&cb.successCount, 0)

	if newState == StateOpen {
		cb.mu.Lock()
		cb.openedAt = time.Now()
		cb.mu.Unlock()
	}

	cb.mu.RLock()
	callback := cb.onStateChange
	cb.mu.RUnlock()

	if callback != nil {
		callback(cb.name, oldState, newState)
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.setState(StateClosed)
	atomic.StoreInt32(&cb.failureCount, 0)
	atomic.StoreInt32(&cb.successCount, 0)
	atomic.StoreInt32(&cb.halfOpenRequests, 0)
}

// Stats is a point-in-time snapshot of breaker state for the stats frame.
type Stats struct {
	Name         string
	State        string
	Failures     int
	Successes    int
	LastFailure  time.Time
	OpenedAt     time.Time
	HalfOpenReqs int
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	lastFailure := cb.lastFailureTime
	openedAt := cb.openedAt
	cb.mu.RUnlock()

	return Stats{
		Name:         cb.name,
		State:        cb.State().String(),
		Failures:     int(atomic.LoadInt32(&cb.failureCount)),
		Successes:    int(atomic.LoadInt32(&cb.successCount)),
		LastFailure:  lastFailure,
		OpenedAt:     openedAt,
		HalfOpenReqs: int(atomic.LoadInt32(&cb.halfOpenRequests)),
	}
}
