package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/lock"
	"github.com/ariefcatur/go-shop-reservations/internal/memstore"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/ariefcatur/go-shop-reservations/internal/scheduler"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s orders.Store, total int) {
	t.Helper()
	require.NoError(t, s.InsertProduct(context.Background(), orders.Product{
		ID: "p-1", ShopID: "shop-1", Name: "Notebook", QuantityTotal: total, PreorderEstimateDays: 14, CreatedAt: t0,
	}))
}

func hold(t *testing.T, s orders.Store, id string, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	r := orders.Reservation{
		ID: id, ShopID: "shop-1", ProductID: "p-1", HolderID: "h", Quantity: 1,
		Status: orders.ReservationActive, OrderType: orders.OrderTypeNormal, ExpiresAt: &expires, CreatedAt: t0,
	}
	require.NoError(t, s.WithTx(ctx, func(tx orders.Tx) error {
		if err := tx.Reserve(ctx, "p-1", 1); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, r)
	}))
}

func preorder(t *testing.T, s orders.Store, id string) {
	t.Helper()
	eta := t0.AddDate(0, 0, 14)
	require.NoError(t, s.InsertReservation(context.Background(), orders.Reservation{
		ID: id, ShopID: "shop-1", ProductID: "p-1", HolderID: "h", Quantity: 1,
		Status: orders.ReservationActive, OrderType: orders.OrderTypePreorder, ExpectedDeliveryDate: &eta, CreatedAt: t0,
	}))
}

func newSweeper(store orders.Store, clock clockwork.Clock, locker lock.Locker, bus orders.Publisher) *Sweeper {
	return &Sweeper{
		Store:     store,
		Locker:    locker,
		Clock:     clock,
		Publisher: bus,
		Log:       zap.NewNop(),
		Config:    Config{Interval: time.Minute, Batch: 100},
		Producer:  "shop-sweeper",
	}
}

func status(t *testing.T, s orders.Store, id string) orders.ReservationStatus {
	t.Helper()
	r, err := s.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func reserved(t *testing.T, s orders.Store) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), "", "p-1")
	require.NoError(t, err)
	return p.QuantityReserved
}

func TestRunOnceExpiresOnlyDueNormalHolds(t *testing.T) {
	store := memstore.New()
	seed(t, store, 5)
	hold(t, store, "due", t0.Add(10*time.Minute))
	hold(t, store, "live", t0.Add(30*time.Minute))
	hold(t, store, "edge", t0.Add(15*time.Minute))
	preorder(t, store, "pre")

	clock := clockwork.NewFakeClockAt(t0.Add(15 * time.Minute))
	bus := &kafkax.Recorder{}
	res, err := newSweeper(store, clock, lock.NewLocal(), bus).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Locked: true, Seen: 1, Expired: 1}, res)
	assert.Equal(t, orders.ReservationExpired, status(t, store, "due"))
	assert.Equal(t, orders.ReservationActive, status(t, store, "live"))
	assert.Equal(t, orders.ReservationActive, status(t, store, "edge"), "deadline must be strictly in the past")
	assert.Equal(t, orders.ReservationActive, status(t, store, "pre"))
	assert.Equal(t, 2, reserved(t, store))
	assert.Equal(t, []string{orders.EventReservationExpired}, bus.EventTypes())
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	store := memstore.New()
	seed(t, store, 1)
	hold(t, store, "due", t0)

	locker := lock.NewLocal()
	unlock, ok, err := locker.Obtain(context.Background(), redisx.KeySweepLock, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	clock := clockwork.NewFakeClockAt(t0.Add(time.Hour))
	res, err := newSweeper(store, clock, locker, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Locked)
	assert.Equal(t, orders.ReservationActive, status(t, store, "due"))
}

// always grants, so two sweeps really overlap
type openLocker struct{}

func (openLocker) Obtain(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

func TestOverlappingSweepsReleaseEachUnitOnce(t *testing.T) {
	store := memstore.New()
	seed(t, store, 20)
	for i := 0; i < 10; i++ {
		hold(t, store, fmt.Sprintf("due-%d", i), t0)
	}
	for i := 0; i < 3; i++ {
		hold(t, store, fmt.Sprintf("live-%d", i), t0.Add(time.Hour))
	}
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := newSweeper(store, clock, openLocker{}, nil).RunOnce(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	expired := 0
	for _, r := range results {
		expired += r.Expired
	}
	assert.Equal(t, 10, expired)
	assert.Equal(t, 3, reserved(t, store))
}

// staleStore hands the sweeper a listing taken before other writers acted.
type staleStore struct {
	*memstore.Store
	listing []orders.Reservation
	failID  string
}

func (s *staleStore) ListExpiredHolds(context.Context, time.Time, int) ([]orders.Reservation, error) {
	return s.listing, nil
}

func (s *staleStore) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx orders.Tx) error {
		return fn(failingTx{Tx: tx, failID: s.failID})
	})
}

type failingTx struct {
	orders.Tx
	failID string
}

func (f failingTx) TransitionReservation(ctx context.Context, tr orders.Transition) (bool, error) {
	if tr.ReservationID == f.failID {
		return false, apperr.Internal(errors.New("connection reset"), "transition reservation")
	}
	return f.Tx.TransitionReservation(ctx, tr)
}

func TestRowFailuresDoNotAbortBatch(t *testing.T) {
	mem := memstore.New()
	seed(t, mem, 5)
	hold(t, mem, "a", t0)
	hold(t, mem, "bad", t0)
	hold(t, mem, "cancelled", t0)
	hold(t, mem, "b", t0)

	ctx := context.Background()
	listing, err := mem.ListExpiredHolds(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, listing, 4)

	// a cancel lands between the select and the update
	ok, err := mem.TransitionReservation(ctx, orders.Transition{
		ReservationID: "cancelled", From: orders.ReservationActive, To: orders.ReservationCancelled, At: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mem.Release(ctx, "p-1", 1))

	store := &staleStore{Store: mem, listing: listing, failID: "bad"}
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	res, err := newSweeper(store, clock, lock.NewLocal(), nil).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, Result{Locked: true, Seen: 4, Expired: 2, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, orders.ReservationExpired, status(t, mem, "a"))
	assert.Equal(t, orders.ReservationExpired, status(t, mem, "b"))
	assert.Equal(t, orders.ReservationActive, status(t, mem, "bad"))
	assert.Equal(t, orders.ReservationCancelled, status(t, mem, "cancelled"))
	assert.Equal(t, 1, reserved(t, mem))
}

func TestRegisterRunsAtStartAndEveryInterval(t *testing.T) {
	store := memstore.New()
	seed(t, store, 5)
	hold(t, store, "first", t0.Add(-time.Second))
	hold(t, store, "second", t0.Add(30*time.Second))

	clock := clockwork.NewFakeClockAt(t0)
	sch := scheduler.New(clock, zap.NewNop())
	newSweeper(store, clock, lock.NewLocal(), nil).Register(sch)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sch.Wait()
	}()
	sch.Start(ctx)

	clock.BlockUntil(1)
	assert.Eventually(t, func() bool {
		return status(t, store, "first") == orders.ReservationExpired
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, orders.ReservationActive, status(t, store, "second"))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return status(t, store, "second") == orders.ReservationExpired
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reserved(t, store), "both holds returned their unit")
	p, err := store.GetProduct(context.Background(), "", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Available())
}
