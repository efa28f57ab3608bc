// Package guard rejects a second confirm or cancel for a reservation while
// the first is still in flight. It only short-circuits duplicates early; the
// conditional status transition in storage remains the real arbiter.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard marks (op, id) as in flight. The returned release must be called when
// the operation ends; a second Acquire before that fails with DuplicateOperation.
type Guard interface {
	Acquire(ctx context.Context, op, id string) (release func(), err error)
}

func duplicate(op, id string) error {
	return apperr.Duplicate("%s already in progress for reservation %s", op, id)
}

// ---- redis ----

// only delete the key if we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = redisx.TTLInflight
	}
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

func (g *Redis) Acquire(ctx context.Context, op, id string) (func(), error) {
	key := fmt.Sprintf(redisx.KeyInflight, op, id)
	token := uuid.NewString()
	ok, err := redisx.Claim(ctx, g.rdb, key, token, g.ttl)
	if err != nil {
		// redis down: fall through to the storage-level guard instead of failing the request
		g.log.Warn("inflight guard unavailable", zap.String("key", key), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, duplicate(op, id)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.rdb, []string{key}, token).Err(); err != nil {
			g.log.Warn("inflight release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// ---- in-process ----

// Memory is the single-process Guard used when no redis is configured and in tests.
type Memory struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

func NewMemory(clock clockwork.Clock, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = redisx.TTLInflight
	}
	return &Memory{clock: clock, ttl: ttl, held: map[string]time.Time{}}
}

func (g *Memory) Acquire(_ context.Context, op, id string) (func(), error) {
	key := fmt.Sprintf(redisx.KeyInflight, op, id)
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.held[key]; ok && now.Before(exp) {
		return nil, duplicate(op, id)
	}
	mine := now.Add(g.ttl)
	g.held[key] = mine

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.held[key].Equal(mine) {
				delete(g.held, key)
			}
			g.mu.Unlock()
		})
	}, nil
}

// Nop never rejects.
type Nop struct{}

func (Nop) Acquire(context.Context, string, string) (func(), error) { return func() {}, nil }
