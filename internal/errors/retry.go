package errors

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retries (0 = no retries)
	InitialDelay   time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Upper bound for any single delay
	Multiplier     float64       // Exponential backoff factor
	Jitter         float64       // Random jitter factor (0-1)
	RetryableTypes []ErrorType   // Error types that should be retried

	// ShouldRetry, when set, takes precedence over RetryableTypes.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns the policy used for generative-service calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryableTypes: []ErrorType{
			Timeout,
			RateLimit,
		},
	}
}

// Retrier implements retry logic with exponential backoff.
type Retrier struct {
	config RetryConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.Multiplier <= 0 {
		config.Multiplier = 1
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// retry budget is spent, or ctx is done.
func (r *Retrier) Do(ctx context.Context, operation string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts++

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError("", operation)
			break
		}
		if attempt >= r.config.MaxRetries || !r.shouldRetry(err) {
			break
		}

		timer := time.NewTimer(r.calculateDelay(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = NewCancelledError("", operation)
			result.Duration = time.Since(start)
			return result
		case <-timer.C:
		}

		delay = r.nextDelay(delay)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) shouldRetry(err error) bool {
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(err)
	}

	errType := GetErrorType(err)
	for _, t := range r.config.RetryableTypes {
		if errType == t {
			return true
		}
	}
	return IsRetryable(err)
}

func (r *Retrier) calculateDelay(baseDelay time.Duration) time.Duration {
	if r.config.Jitter <= 0 || baseDelay <= 0 {
		return baseDelay
	}

	jitter := r.config.Jitter * float64(baseDelay)
	r.mu.Lock()
	offset := (r.rng.Float64() * 2 * jitter) - jitter
	r.mu.Unlock()

	return time.Duration(float64(baseDelay) + offset)
}

func (r *Retrier) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * r.config.Multiplier)
	if r.config.MaxDelay > 0 && next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

// DoWithResult executes a function that returns a value and error.
func DoWithResult[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	var result T
	retryResult := r.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, retryResult
}

// BackoffDuration calculates the backoff duration for a given attempt.
func BackoffDuration(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
