package hub

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryPolicy bounds WithRetry.
type RetryPolicy struct {
	// Attempts is the total number of calls, at least 1.
	Attempts int
	// Backoff is the wait before the second call; it doubles after each failure.
	Backoff time.Duration
	// MaxBackoff caps the wait; 0 means no cap.
	MaxBackoff time.Duration
}

// IsTransient reports whether err is worth retrying: network failures, 5xx
// and 429 responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// WithRetry calls fn until it succeeds, fails permanently or the policy's
// attempts run out. It returns the last error.
func WithRetry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	wait := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return err
}
