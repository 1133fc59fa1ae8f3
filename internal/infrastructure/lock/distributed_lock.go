package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// A Redis lock: SET key owner NX PX ttl to acquire, and a compare-and-delete
// script to release, so a holder whose lease expired cannot delete the
// next holder's lock.

var (
	ErrLockFailed = errors.New("could not acquire distributed lock")
	ErrLockLost   = errors.New("distributed lock lost")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string { return l.key }

// TryLock makes one non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock releases the lock if this holder still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// Extend resets the lease to the full expiration. It returns ErrLockLost
// when the key has expired or belongs to another holder.
func (l *DistributedLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// KeepAlive renews the lease every third of the expiration until stop is
// called. The returned context is cancelled, with a cause wrapping
// ErrLockLost, as soon as a renewal fails.
func (l *DistributedLock) KeepAlive(ctx context.Context) (context.Context, func()) {
	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	interval := l.expiration / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
				extendCtx, cancelExtend := context.WithTimeout(context.WithoutCancel(ctx), interval)
				err := l.Extend(extendCtx)
				cancelExtend()
				if err != nil {
					if !errors.Is(err, ErrLockLost) {
						err = fmt.Errorf("%w: %w", ErrLockLost, err)
					}
					cancel(err)
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel(nil)
		})
	}
	return held, stop
}

// NewRefundLock serialises cancellation requests for one original
// transaction across every API instance.
func NewRefundLock(client *redis.Client, externalReference, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, "refund:lock:"+externalReference, owner, ttl)
}
