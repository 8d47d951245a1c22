package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a unit of work is re-run after CONFLICT.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a conflicting unit of work up to four times.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// runUnitOfWork executes fn in a fresh transaction, re-running it from
// scratch while the store reports CONFLICT. Any other error is final.
func runUnitOfWork(ctx context.Context, store Store, policy RetryPolicy, op string, fn func(Tx) error) error {
	attempt := func() error {
		err := store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(attempt, policy.backOff(ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var le *Error
		if !errors.As(err, &le) {
			return Unavailable(op, err)
		}
	}
	return err
}
