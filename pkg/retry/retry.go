// Package retry implements the bounded, backed-off retry loop used
// around LLM completion calls (pkg/llmclient) and the Supervisor's
// rebuild attempts (pkg/supervisor); ERP RPC, embedding generation and
// mailbox fetch do not go through it. It is a direct adaptation of the teacher's
// pkg/storage/vector retrier: configurable attempts/backoff/jitter, a
// retryable-error classifier, and a context-aware execute loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultConfig is the general-purpose policy: three attempts, 100ms
// initial delay doubling up to a 5s cap, jittered.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// ExternalCallConfig is tuned for network calls to ERP/LLM/embedding
// providers: more attempts, longer caps, gentler backoff growth.
func ExternalCallConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
}

// SupervisorBackoffConfig matches spec §4.12: 30s initial cap growing to a
// 300s ceiling between poll-loop failures.
func SupervisorBackoffConfig() Config {
	return Config{
		MaxAttempts:       0, // unbounded; the supervisor decides when to stop
		InitialDelay:      30 * time.Second,
		MaxDelay:          300 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
}

var retryableSubstrings = []string{
	"connection refused", "connection reset", "timeout", "temporary failure",
	"too many connections", "deadlock", "lock timeout", "serialization failure",
	"connection lost", "server closed the connection", "broken pipe",
	"i/o timeout", "network is unreachable", "no route to host",
	"unavailable", "rate limit",
}

// IsRetryableError classifies context and message-pattern errors. An
// explicit RetryableError always wins over message sniffing.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryableError lets a caller override the message-based classification
// with an explicit verdict plus a human-readable reason.
type RetryableError struct {
	Cause     error
	Retryable bool
	Reason    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable=%t (%s): %v", e.Retryable, e.Reason, e.Cause)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// WrapRetryableError wraps err with an explicit retry verdict; returns nil
// when err is nil so call sites can wrap unconditionally.
func WrapRetryableError(err error, retryable bool, reason string) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Cause: err, Retryable: retryable, Reason: reason}
}

// Operation is a unit of retryable work; attempt is 1-indexed.
type Operation func(ctx context.Context, attempt int) (any, error)

// Retrier executes an Operation with the configured backoff policy.
type Retrier struct {
	config Config
	logger *logrus.Logger
}

// NewRetrier builds a Retrier; a nil logger is replaced with a discard
// logger so callers never need a nil check.
func NewRetrier(config Config, logger *logrus.Logger) *Retrier {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Retrier{config: config, logger: logger}
}

// ExecuteWithType runs operation, retrying retryable failures with
// exponential backoff (optionally jittered) up to MaxAttempts (0 = no
// artificial cap beyond context cancellation).
func (r *Retrier) ExecuteWithType(ctx context.Context, operation Operation) (any, error) {
	maxAttempts := r.config.MaxAttempts
	delay := r.config.InitialDelay
	var lastErr error

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := operation(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}

		if maxAttempts != 0 && attempt == maxAttempts {
			break
		}

		wait := delay
		if r.config.Jitter {
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffMultiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
		r.logger.WithField("attempt", attempt+1).Debug("retrying operation")
	}

	return nil, fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// RetryIfNeeded is a thin wrapper for callers with a simple func() error
// signature that don't need the attempt number or a return value.
func RetryIfNeeded(ctx context.Context, config Config, logger *logrus.Logger, operation func() error) error {
	retrier := NewRetrier(config, logger)
	_, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		return nil, operation()
	})
	return err
}
