// Package lock serialises background jobs across replicas.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker obtains key for at most ttl. ok=false means another holder has it;
// the caller should skip this round rather than wait.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type Redis struct{ c *redislock.Client }

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{c: redislock.New(rdb)}
}

func (l *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lk, err := l.c.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// ErrLockNotHeld: ttl ran out first, nothing to release
		_ = lk.Release(ctx)
	}, true, nil
}

// Local is a process-wide Locker for single-instance runs and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local { return &Local{held: map[string]bool{}} }

func (l *Local) Obtain(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}
