package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

// transientPatterns mark untyped errors that are worth another attempt.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
}

// IsRetryableError decides whether a failed job goes back to the queue.
// Typed errors decide for themselves; cancellation never retries; untyped
// errors retry, leaving the bound to max_attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var de *schema.DispatchError
	if errors.As(err, &de) {
		return de.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (1-based)
// for spec. Backoff is constant (default), linear or exponential, capped at
// MaxDelay when set.
func ComputeBackoff(spec schema.RetrySpec, attempt int) time.Duration {
	if spec.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch strings.ToLower(spec.Backoff) {
	case "exponential":
		delay = spec.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if spec.MaxDelay > 0 && delay > spec.MaxDelay {
				break
			}
		}
	case "linear":
		delay = spec.Delay * time.Duration(attempt)
	default:
		delay = spec.Delay
	}

	if spec.MaxDelay > 0 && delay > spec.MaxDelay {
		delay = spec.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
