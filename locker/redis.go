// Package locker provides a Redis-backed ledger.Locker.
//
// The lock narrows the window in which two processes race to apply the same
// note. It is never required for correctness: the store's conditional
// applied flip still decides the winner when Redis is down.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL bounds how long a crashed holder can block others.
	DefaultTTL = 30 * time.Second
	// DefaultWait is how long Lock polls for a held key before giving up.
	DefaultWait = 2 * time.Second
)

// ErrNotObtained is returned when another holder kept the key for the whole wait.
var ErrNotObtained = errors.New("lock not obtained")

// Redis implements ledger.Locker with bsm/redislock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *logrus.Logger
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, logger *logrus.Logger) *Redis {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		client: redislock.New(rdb),
		ttl:    DefaultTTL,
		wait:   DefaultWait,
		logger: logger,
	}
}

// Connect dials addr and verifies it with PING.
func Connect(ctx context.Context, addr string, logger *logrus.Logger) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       0,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return New(rdb, logger), rdb, nil
}

// Lock obtains key, retrying until the wait elapses. The returned release
// function is safe to call once.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	lock, err := r.client.Obtain(waitCtx, "lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}

	return func() {
		// Release with a fresh context: the request context may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithFields(logrus.Fields{
				"module":   "locker",
				"funcName": "Lock",
				"key":      key,
			}).Warn("failed to release lock: " + err.Error())
		}
	}, nil
}
