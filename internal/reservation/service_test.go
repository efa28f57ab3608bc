package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/guard"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/memstore"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *memstore.Store
	clock clockwork.FakeClock
	bus   *kafkax.Recorder
	guard *guard.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	f := &fixture{
		store: memstore.New(),
		clock: clock,
		bus:   &kafkax.Recorder{},
		guard: guard.NewMemory(clock, time.Minute),
	}
	f.svc = &Service{
		Store:     f.store,
		Clock:     clock,
		Guard:     f.guard,
		Publisher: f.bus,
		Log:       zap.NewNop(),
		Hold:      DefaultHoldPolicy,
		Producer:  "shop-api",
	}
	return f
}

func (f *fixture) product(t *testing.T, id string, total int, preorder bool) orders.Product {
	t.Helper()
	p := orders.Product{
		ID: id, ShopID: "shop-1", Name: "Ceramic Mug", Price: decimal.NewFromInt(25),
		QuantityTotal: total, PreorderEnabled: preorder, PreorderEstimateDays: 14,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, f.store.InsertProduct(context.Background(), p))
	return p
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), "", id)
	require.NoError(t, err)
	return p.Available()
}

func TestCheckAndReserveNormal(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 2, false)

	res, err := f.svc.CheckAndReserve(context.Background(), CheckRequest{
		ShopID: "shop-1", ProductID: "p-1", HolderID: "session-1", HoldMinutes: 15,
	})
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, OutcomeNormal, res.Type)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, t0.Add(15*time.Minute), *res.ExpiresAt)
	assert.Nil(t, res.ExpectedDeliveryDate)
	assert.Equal(t, 1, f.available(t, "p-1"))

	r, err := f.svc.Get(context.Background(), res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, orders.ReservationActive, r.Status)
	assert.Equal(t, orders.OrderTypeNormal, r.OrderType)
	assert.Equal(t, []string{orders.EventReservationCreated}, f.bus.EventTypes())
	assert.Equal(t, orders.TopicReservations, f.bus.Messages()[0].Topic)
}

func TestCheckAndReserveDefaultsAndBoundsHold(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 5, false)
	ctx := context.Background()

	res, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), *res.ExpiresAt)

	for _, minutes := range []int{-1, 61, 24 * 60} {
		_, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h", HoldMinutes: minutes})
		assert.ErrorIs(t, err, apperr.ErrValidation, "hold_minutes=%d", minutes)
	}
	assert.Equal(t, 4, f.available(t, "p-1"))
}

func TestCheckAndReserveValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckAndReserve(context.Background(), CheckRequest{ShopID: "shop-1"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "required", ae.Fields["product_id"])
	assert.Equal(t, "required", ae.Fields["holder_id"])
}

func TestCheckAndReserveUnknownProduct(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 1, false)
	ctx := context.Background()

	_, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "nope", HolderID: "h"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// product exists but belongs to another shop
	_, err = f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-2", ProductID: "p-1", HolderID: "h"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, f.available(t, "p-1"))
}

func TestCheckAndReserveUnavailableHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 0, false)

	res, err := f.svc.CheckAndReserve(context.Background(), CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)
	assert.Equal(t, CheckResult{Available: false, Type: OutcomeUnavailable, Reason: "out of stock"}, res)

	list, err := f.svc.List(context.Background(), ListRequest{ShopID: "shop-1"})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.bus.Messages())
}

func TestCheckAndReservePreorder(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 0, true)

	res, err := f.svc.CheckAndReserve(context.Background(), CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, OutcomePreorder, res.Type)
	require.NotNil(t, res.ExpectedDeliveryDate)
	assert.Equal(t, t0.AddDate(0, 0, 14), *res.ExpectedDeliveryDate)
	assert.Nil(t, res.ExpiresAt)

	p, err := f.store.GetProduct(context.Background(), "", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.QuantityReserved)

	r, err := f.svc.Get(context.Background(), res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, orders.OrderTypePreorder, r.OrderType)
	assert.NoError(t, r.Validate())
}

func TestLastUnitRace(t *testing.T) {
	for _, preorder := range []bool{false, true} {
		f := newFixture(t)
		f.product(t, "p-1", 1, preorder)

		const n = 20
		results := make([]CheckResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := f.svc.CheckAndReserve(context.Background(), CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		counts := map[Outcome]int{}
		for _, r := range results {
			counts[r.Type]++
		}
		assert.Equal(t, 1, counts[OutcomeNormal], "preorder=%v", preorder)
		if preorder {
			assert.Equal(t, n-1, counts[OutcomePreorder])
		} else {
			assert.Equal(t, n-1, counts[OutcomeUnavailable])
		}

		p, err := f.store.GetProduct(context.Background(), "", "p-1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.QuantityReserved)
		assert.NoError(t, p.Validate())
	}
}

func TestCancelNormalReleasesOneUnit(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 3, false)
	ctx := context.Background()

	res, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)
	before := f.available(t, "p-1")

	require.NoError(t, f.svc.Cancel(ctx, res.ReservationID))
	assert.Equal(t, before+1, f.available(t, "p-1"))

	r, err := f.svc.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, orders.ReservationCancelled, r.Status)
	assert.Equal(t, []string{orders.EventReservationCreated, orders.EventReservationCancelled}, f.bus.EventTypes())

	// terminal: a second cancel is an error and releases nothing
	err = f.svc.Cancel(ctx, res.ReservationID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, before+1, f.available(t, "p-1"))
}

func TestCancelPreorderLeavesCapacity(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 0, true)
	ctx := context.Background()

	res, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)
	require.Equal(t, OutcomePreorder, res.Type)

	require.NoError(t, f.svc.Cancel(ctx, res.ReservationID))
	p, err := f.store.GetProduct(ctx, "", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.QuantityReserved)
	assert.Equal(t, 0, p.Available())
}

func TestCancelErrors(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 1, false)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), apperr.ErrNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, ""), apperr.ErrValidation)

	res, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: "h"})
	require.NoError(t, err)

	// another cancel of the same reservation is still running
	release, err := f.guard.Acquire(ctx, "cancel", res.ReservationID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Cancel(ctx, res.ReservationID), apperr.ErrDuplicate)
	release()

	assert.NoError(t, f.svc.Cancel(ctx, res.ReservationID))
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p-1", 5, false)
	ctx := context.Background()

	var ids []string
	for _, holder := range []string{"alice", "bob", "alice"} {
		res, err := f.svc.CheckAndReserve(ctx, CheckRequest{ShopID: "shop-1", ProductID: "p-1", HolderID: holder})
		require.NoError(t, err)
		ids = append(ids, res.ReservationID)
		f.clock.Advance(time.Second)
	}
	require.NoError(t, f.svc.Cancel(ctx, ids[1]))

	all, err := f.svc.List(ctx, ListRequest{ShopID: "shop-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	alice, err := f.svc.List(ctx, ListRequest{ShopID: "shop-1", HolderID: "alice", Status: "active"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	_, err = f.svc.List(ctx, ListRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.List(ctx, ListRequest{ShopID: "shop-1", Status: "bogus"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
