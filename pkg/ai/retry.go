package ai

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retrier struct {
	maxRetries int
	baseDelay  time.Duration
}

// do runs op, retrying transient ProviderErrors with exponential backoff.
// Everything else, including a 401, is returned on first failure.
func (r retrier) do(ctx context.Context, op func() error) error {
	if r.maxRetries <= 0 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx))
}
