package retry

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Config holds retry configuration. MaxRetries counts retries after the first
// attempt, so MaxRetries=2 allows three attempts in total.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// WithBackoff executes operation with exponential backoff. Errors the
// classifier rejects are returned immediately and unwrapped.
func WithBackoff(ctx context.Context, config Config, retryable Classifier, operation func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt >= config.MaxRetries {
			return &ExhaustedError{Attempts: attempt + 1, Err: err}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Delay(config, attempt)):
		}
	}
}

// Delay is the wait before retry number attempt+1: base*2^attempt plus up to
// one base of jitter, capped at MaxDelay.
func Delay(config Config, attempt int) time.Duration {
	if config.BaseDelay <= 0 {
		return 0
	}
	delay := config.BaseDelay * time.Duration(1<<attempt)
	delay += time.Duration(rand.Int63n(int64(config.BaseDelay)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}

// HTTPStatusRetryable checks if an HTTP status code is retryable
func HTTPStatusRetryable(statusCode int) bool {
	// Retry on server errors (5xx) and rate limiting (429)
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
