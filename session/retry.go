package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryAttempts is the default number of tries for a store operation.
const DefaultRetryAttempts = 3

// RetryStore retries operations on an inner Store that fail with
// ErrStoreUnavailable, with bounded exponential backoff. Other errors are
// returned immediately.
type RetryStore struct {
	inner        Store
	attempts     uint
	initialDelay time.Duration
}

// NewRetryStore wraps inner. attempts includes the first try.
func NewRetryStore(inner Store, attempts int, initialDelay time.Duration) *RetryStore {
	if attempts < 1 {
		attempts = DefaultRetryAttempts
	}
	if initialDelay <= 0 {
		initialDelay = 50 * time.Millisecond
	}
	return &RetryStore{
		inner:        inner,
		attempts:     uint(attempts), // #nosec G115 -- checked positive above
		initialDelay: initialDelay,
	}
}

func retry[T any](ctx context.Context, s *RetryStore, op func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.initialDelay
	expBackoff.MaxInterval = 10 * s.initialDelay
	expBackoff.Reset()

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.attempts),
	)
}

func (s *RetryStore) Get(ctx context.Context, id string) (*Record, error) {
	return retry(ctx, s, func() (*Record, error) {
		return s.inner.Get(ctx, id)
	})
}

func (s *RetryStore) Create(ctx context.Context, rec *Record) error {
	_, err := retry(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.inner.Create(ctx, rec)
	})
	return err
}

func (s *RetryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Record, error) {
	return retry(ctx, s, func() (*Record, error) {
		return s.inner.Update(ctx, id, fn)
	})
}

func (s *RetryStore) Destroy(ctx context.Context, id string) error {
	_, err := retry(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.inner.Destroy(ctx, id)
	})
	return err
}

var _ Store = (*RetryStore)(nil)
