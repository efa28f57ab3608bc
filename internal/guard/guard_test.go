package guard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryRejectsWhileHeld(t *testing.T) {
	ctx := context.Background()
	g := NewMemory(clockwork.NewFakeClock(), time.Minute)

	release, err := g.Acquire(ctx, "confirm", "r-1")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "confirm", "r-1")
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	// different op or id is independent
	_, err = g.Acquire(ctx, "cancel", "r-1")
	assert.NoError(t, err)

	release()
	release()
	_, err = g.Acquire(ctx, "confirm", "r-1")
	assert.NoError(t, err)
}

func TestMemoryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	g := NewMemory(clock, 30*time.Second)

	_, err := g.Acquire(ctx, "confirm", "r-1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	_, err = g.Acquire(ctx, "confirm", "r-1")
	assert.NoError(t, err)
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redisx.New(addr)
	defer rdb.Close()

	ctx := context.Background()
	g := NewRedis(rdb, 5*time.Second, zap.NewNop())
	id := uuid.NewString()

	release, err := g.Acquire(ctx, "confirm", id)
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "confirm", id)
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	release()
	release2, err := g.Acquire(ctx, "confirm", id)
	require.NoError(t, err)
	release2()
}
