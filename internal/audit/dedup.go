package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/redis/go-redis/v9"
)

type RedisDedup struct {
	RDB     redis.Cmdable
	Service string // key namespace, e.g. "audit"
	TTL     time.Duration
}

func (d *RedisDedup) key(eventID string) string {
	return fmt.Sprintf(redisx.KeyDedup, d.Service, eventID)
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return redisx.Exists(ctx, d.RDB, d.key(eventID))
}

func (d *RedisDedup) Mark(ctx context.Context, eventID string) error {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = redisx.TTLDedup
	}
	return d.RDB.Set(ctx, d.key(eventID), "1", ttl).Err()
}

// MemoryDedup never forgets; fine for tests and short runs.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (d *MemoryDedup) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[eventID]
	return ok, nil
}

func (d *MemoryDedup) Mark(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]struct{}{}
	}
	d.seen[eventID] = struct{}{}
	return nil
}
