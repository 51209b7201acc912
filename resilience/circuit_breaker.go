package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// ErrCircuitOpen is returned without calling the protected function
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing dependency for resetTimeout after
// maxFailures consecutive counted failures.
type CircuitBreaker struct {
	name         string
	logger       *logging.ComponentLogger
	maxFailures  int
	resetTimeout time.Duration
	counts       func(error) bool
	now          func() time.Time

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	successCount    int
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// NewCircuitBreaker creates a new circuit breaker. counts decides which
// errors are failures of the dependency; nil counts every error.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, counts func(error) bool, logger *logging.ComponentLogger) *CircuitBreaker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CircuitBreaker{
		name:         name,
		logger:       logger,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		counts:       counts,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.canExecute() {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, cb.name)
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			cb.logger.Info().
				Str("circuit", cb.name).
				Msg("Circuit breaker transitioning to half-open")
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || (cb.counts != nil && !cb.counts(err)) {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= 3 {
				cb.state = StateClosed
				cb.logger.Info().
					Str("circuit", cb.name).
					Msg("Circuit breaker closed after successful recovery")
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.logger.Warn().
			Str("circuit", cb.name).
			Err(err).
			Msg("Circuit breaker opened due to failure in half-open state")
	} else if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.logger.Error().
			Str("circuit", cb.name).
			Int("failures", cb.failures).
			Err(err).
			Msg("Circuit breaker opened due to excessive failures")
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
}
