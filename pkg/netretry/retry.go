// Package netretry retries transient TCP dial failures with exponential
// backoff.
package netretry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// ErrMaxRetriesExceeded is joined with the last error when every attempt failed.
var ErrMaxRetriesExceeded = errors.New("retry: max attempts exceeded")

// retryableErrors are errno values that usually clear up on their own, such as
// a daemon that is still starting or a link that is coming up.
var retryableErrors = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ETIMEDOUT,
}

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry. Default: 200ms
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries. Default: 5s
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry. Default: 2.0
	Multiplier float64

	// MaxAttempts is the maximum number of attempts (including first try). Default: 5
	MaxAttempts int

	// Jitter is the random factor (0-1) added to delay to prevent thundering herd. Default: 0.1
	Jitter float64

	// OnRetry, if set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a RetryConfig suited to dialing a local daemon.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0.1,
	}
}

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retry executes fn with exponential backoff until it succeeds, returns a non-retryable error,
// or exhausts all attempts. Respects context cancellation.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		actualDelay := delay
		if cfg.Jitter > 0 {
			jitterRange := float64(delay) * cfg.Jitter
			actualDelay = delay + time.Duration(rand.Float64()*jitterRange)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, actualDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(actualDelay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// DialTCP connects to addr, retrying transient failures per cfg.
func DialTCP(ctx context.Context, cfg RetryConfig, addr string) (*net.TCPConn, error) {
	var d net.Dialer
	var conn net.Conn
	err := Retry(ctx, cfg, func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", addr, conn)
	}
	return tc, nil
}
