package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ms-booking/internal/apperr"
	"ms-booking/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
)

// RetryPolicy defines exponential backoff parameters for capture and void.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

func (r RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.InitialDelay > 0 {
		b.InitialInterval = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		b.MaxInterval = r.MaxDelay
	}
	if r.BackoffFactor > 0 {
		b.Multiplier = r.BackoffFactor
	}
	// Attempts are bounded by MaxRetries and the caller's context, not by wall time.
	b.MaxElapsedTime = 0

	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Do runs fn until it succeeds, returns a terminal error, or the policy is exhausted.
// Failures come back as *apperr.UpstreamError carrying the attempt count.
func (r RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(r.backOff(), ctx))
	if err == nil {
		return nil
	}
	return &apperr.UpstreamError{
		Op:        op,
		Attempts:  attempts,
		Retryable: IsRetryable(err),
		Err:       err,
	}
}

// IsRetryable reports whether a payment authority failure may succeed on a later attempt.
// Stripe 4xx responses (hold expired, already captured, bad id) are terminal; 429, 5xx and
// transport failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case stripeErr.HTTPStatusCode >= 500:
			return true
		case stripeErr.HTTPStatusCode == 0 && stripeErr.Type == stripe.ErrorTypeAPI:
			return true
		default:
			return false
		}
	}
	return true
}
