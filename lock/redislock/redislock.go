/*
Package redislock provides a Redis-backed engine.Locker, so orchestrations
running in different processes serialize per counterparty.

USAGE:
  rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
  orch.Locker = redislock.New(rdb, redislock.Options{TTL: 30 * time.Second})

A lock that outlives its TTL is silently lost; the TTL must cover the
slowest allocation sequence.
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/payment-allocator/engine"
)

// Options tunes lock acquisition.
type Options struct {
	TTL           time.Duration // lock lifetime, default 30s
	RetryInterval time.Duration // wait between attempts, default 100ms
	MaxRetries    int           // attempts after the first, default 50
	Prefix        string        // key namespace, default "lock:"
	Logger        logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 50
	}
	if o.Prefix == "" {
		o.Prefix = "lock:"
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Locker implements engine.Locker on top of bsm/redislock.
type Locker struct {
	client obtainer
	opts   Options
}

func New(rdb redis.UniversalClient, opts Options) *Locker {
	return &Locker{client: redislock.New(rdb), opts: opts.withDefaults()}
}

// Lock obtains key, retrying at a fixed interval. Exhausted retries map to
// engine.ErrLockNotObtained.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.opts.Prefix + key
	lock, err := l.client.Obtain(ctx, name, l.opts.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.opts.RetryInterval), l.opts.MaxRetries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", engine.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// The caller's context may already be cancelled when releasing.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.opts.Logger.WithError(err).WithFields(logrus.Fields{
				"module": "redislock",
				"key":    name,
			}).Warn("failed to release lock")
		}
	}, nil
}

var _ engine.Locker = (*Locker)(nil)
