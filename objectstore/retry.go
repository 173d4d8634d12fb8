package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hengadev/medvault"
	"github.com/hengadev/medvault/internal/metrics"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Metrics         *metrics.Metrics
}

// DefaultRetryOptions retries three times starting at 100ms.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

type retryClient struct {
	next Client
	opts RetryOptions
}

// WithRetry wraps a client so that calls failing with ErrStorageUnavailable are
// retried with exponential backoff. Any other error is returned at once.
// A listing is only retried when its callback has not been invoked yet.
func WithRetry(next Client, opts RetryOptions) Client {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultRetryOptions().InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultRetryOptions().MaxInterval
	}
	return &retryClient{next: next, opts: opts}
}

func (r *retryClient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.opts.MaxRetries), ctx)
}

func (r *retryClient) do(ctx context.Context, op Op, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, medvault.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(error, time.Duration) {
		r.opts.Metrics.RecordStoreRetry(string(op))
	})
}

func (r *retryClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return r.do(ctx, OpPut, func() error {
		return r.next.Put(ctx, key, data, contentType)
	})
}

func (r *retryClient) Get(ctx context.Context, key string) (*Object, error) {
	var obj *Object
	err := r.do(ctx, OpGet, func() error {
		var err error
		obj, err = r.next.Get(ctx, key)
		return err
	})
	return obj, err
}

func (r *retryClient) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	delivered := false
	return r.do(ctx, OpList, func() error {
		err := r.next.List(ctx, prefix, func(info ObjectInfo) error {
			delivered = true
			return fn(info)
		})
		if delivered && errors.Is(err, medvault.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func (r *retryClient) Delete(ctx context.Context, key string) error {
	return r.do(ctx, OpDelete, func() error {
		return r.next.Delete(ctx, key)
	})
}

func (r *retryClient) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var url string
	err := r.do(ctx, OpPresign, func() error {
		var err error
		url, err = r.next.Presign(ctx, key, ttl)
		return err
	})
	return url, err
}
