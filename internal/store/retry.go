package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttempts bounds the attempts of one retried operation.
const DefaultAttempts = 5

// RetryConfig configures a Retry wrapper.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// Retry wraps a Store and retries failed operations with bounded
// exponential backoff. Every Store operation is idempotent. Not-found,
// invalid keys and context errors are returned immediately.
type Retry struct {
	next Store
	cfg  RetryConfig
	log  *slog.Logger
}

// NewRetry wraps next. If log is nil, slog.Default() is used.
func NewRetry(next Store, cfg RetryConfig, log *slog.Logger) *Retry {
	if log == nil {
		log = slog.Default()
	}
	return &Retry{
		next: next,
		cfg:  cfg.withDefaults(),
		log:  log.With("component", "store-retry"),
	}
}

func (r *Retry) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)
}

func (r *Retry) do(ctx context.Context, op, key string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		r.log.Warn("store operation failed, retrying", "op", op, "key", key, "error", err, "wait", wait)
	})
}

func (r *Retry) Put(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "put", key, func() error { return r.next.Put(ctx, key, data) })
}

func (r *Retry) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", key, func() error {
		var err error
		data, err = r.next.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *Retry) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error { return r.next.Delete(ctx, key) })
}

func (r *Retry) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.next.List(ctx, prefix)
		return err
	})
	return keys, err
}
