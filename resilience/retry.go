package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// Decision is what a Classifier says about an error
type Decision int

const (
	// Undecided falls back to the policy's RetryableErrors patterns
	Undecided Decision = iota
	// Retry marks the error as transient
	Retry
	// Stop marks the error as permanent
	Stop
)

// Classifier inspects an error before the substring patterns are consulted
type Classifier func(err error) Decision

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterFactor    float64
	RetryableErrors map[string]bool
	Classifier      Classifier
}

// DefaultRetryPolicy returns the default storage retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableErrors: map[string]bool{
			"connection refused": true,
			"connection reset":   true,
			"broken pipe":        true,
			"deadline exceeded":  true,
			"temporary failure":  true,
			"resource exhausted": true,
			"unavailable":        true,
			"database is locked": true,
			"too many clients":   true,
		},
	}
}

// ErrAttemptsExhausted wraps the last error once MaxAttempts is reached
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// RetryManager handles retry logic with backoff
type RetryManager struct {
	policy  *RetryPolicy
	logger  *logging.ComponentLogger
	metrics *RetryMetrics
	mu      sync.RWMutex
	sleep   func(ctx context.Context, d time.Duration) error
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	TotalAttempts     int64
	Retries           int64
	SuccessfulRetries int64
	FailedRetries     int64
	TotalRetryTime    time.Duration
}

// NewRetryManager creates a new retry manager
func NewRetryManager(policy *RetryPolicy, logger *logging.ComponentLogger) *RetryManager {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &RetryManager{
		policy:  policy,
		logger:  logger,
		metrics: &RetryMetrics{},
		sleep:   sleepContext,
	}
}

// Policy returns the policy in use
func (rm *RetryManager) Policy() *RetryPolicy {
	return rm.policy
}

// Execute runs fn until it succeeds, returns a non-retryable error or runs
// out of attempts.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	return rm.ExecuteNotify(ctx, operation, fn, nil)
}

// ExecuteNotify is Execute with a hook invoked before each retry
func (rm *RetryManager) ExecuteNotify(ctx context.Context, operation string, fn func() error, onRetry func(attempt int, err error)) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 1; attempt <= rm.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		rm.recordAttempt()
		if err == nil {
			if attempt > 1 {
				rm.recordSuccess(time.Since(startTime))
				rm.logger.Info().
					Str("operation", operation).
					Int("attempts", attempt).
					Dur("total_time", time.Since(startTime)).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !rm.IsRetryable(err) {
			rm.logger.Debug().
				Str("operation", operation).
				Err(err).
				Msg("Error is not retryable")
			return err
		}

		if attempt >= rm.policy.MaxAttempts {
			rm.recordFailure(time.Since(startTime))
			rm.logger.Error().
				Str("operation", operation).
				Int("attempts", attempt).
				Err(err).
				Msg("Operation failed after max attempts")
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
		}

		delay := rm.calculateDelay(attempt)

		rm.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("Operation failed, retrying")

		rm.recordRetry()
		if onRetry != nil {
			onRetry(attempt, err)
		}

		if err := rm.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// ExecuteWithResult runs fn under rm's policy and returns its value
func ExecuteWithResult[T any](ctx context.Context, rm *RetryManager, operation string, fn func() (T, error)) (T, error) {
	var result T
	err := rm.Execute(ctx, operation, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

// IsRetryable determines if an error should trigger a retry
func (rm *RetryManager) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if rm.policy.Classifier != nil {
		switch rm.policy.Classifier(err) {
		case Retry:
			return true
		case Stop:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())
	for pattern, enabled := range rm.policy.RetryableErrors {
		if enabled && strings.Contains(errStr, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// calculateDelay calculates the delay before the next retry
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.policy.InitialDelay) * math.Pow(rm.policy.BackoffFactor, float64(attempt-1))

	if rm.policy.JitterFactor > 0 {
		jitter := delay * rm.policy.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}

	if rm.policy.MaxDelay > 0 && delay > float64(rm.policy.MaxDelay) {
		delay = float64(rm.policy.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rm *RetryManager) recordAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.TotalAttempts++
}

func (rm *RetryManager) recordRetry() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.Retries++
}

func (rm *RetryManager) recordSuccess(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.SuccessfulRetries++
	rm.metrics.TotalRetryTime += duration
}

func (rm *RetryManager) recordFailure(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.FailedRetries++
	rm.metrics.TotalRetryTime += duration
}

// GetMetrics returns retry metrics
func (rm *RetryManager) GetMetrics() RetryMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return *rm.metrics
}
