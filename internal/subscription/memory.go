package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/orders"
)

// MemoryRepo keeps subscriptions in process, for tests and storage-less runs.
type MemoryRepo struct {
	mu   sync.Mutex
	subs []orders.Subscription
}

func (m *MemoryRepo) HasActive(_ context.Context, shopID, channel string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ShopID == shopID && s.Channel == channel && s.Status == "active" && s.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepo) MarkExpired(_ context.Context, now time.Time) ([]orders.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orders.Subscription
	for i, s := range m.subs {
		if s.Status == "active" && s.ExpiresAt.Before(now) {
			m.subs[i].Status = "expired"
			out = append(out, m.subs[i])
		}
	}
	return out, nil
}

func (m *MemoryRepo) Insert(_ context.Context, s orders.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, s)
	return nil
}

func (m *MemoryRepo) Cancel(_ context.Context, shopID, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, s := range m.subs {
		if s.ShopID == shopID && s.Channel == channel && s.Status == "active" {
			m.subs[i].Status = "cancelled"
			n++
		}
	}
	return n, nil
}

// MemoryCache is a Cache without expiry.
type MemoryCache struct {
	mu sync.Mutex
	m  map[string]bool
}

func (c *MemoryCache) Lookup(_ context.Context, shopID, channel string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key(shopID, channel)]
	return v, ok
}

func (c *MemoryCache) Store(_ context.Context, shopID, channel string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]bool{}
	}
	c.m[key(shopID, channel)] = active
}

func (c *MemoryCache) Forget(_ context.Context, shopID, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key(shopID, channel))
}
