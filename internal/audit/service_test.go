package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	rows []orders.AuditLog
	fail error
}

func (m *memStore) Insert(_ context.Context, l orders.AuditLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	for _, r := range m.rows {
		if r.EventID == l.EventID {
			return false, nil
		}
	}
	m.rows = append(m.rows, l)
	return true, nil
}

func (m *memStore) ListByResource(_ context.Context, resourceType, resourceID string, _ int) ([]orders.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orders.AuditLog
	for _, r := range m.rows {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// message publishes through a Recorder so the bytes match what the api sends.
func message(t *testing.T, topic string, env orders.Envelope) kafkago.Message {
	t.Helper()
	rec := &kafkax.Recorder{}
	orders.Emit(rec, topic, env)
	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	return msgs[0]
}

func reservationEvent(eventType string) orders.Envelope {
	exp := at.Add(10 * time.Minute)
	r := orders.Reservation{
		ID: "r-1", ShopID: "shop-1", ProductID: "p-1", HolderID: "buyer-7",
		Status: orders.ReservationActive, OrderType: orders.OrderTypeNormal, ExpiresAt: &exp,
	}
	return orders.NewEnvelope(eventType, "shop-api", r.ID, "req-1", orders.ReservationEventPayload(r), at)
}

func TestHandleEventRecordsOnce(t *testing.T) {
	store := &memStore{}
	m := metrics.New()
	svc := &Service{Store: store, Dedup: &MemoryDedup{}, Metrics: m, Log: zap.NewNop()}
	ctx := context.Background()

	msg := message(t, orders.TopicReservations, reservationEvent(orders.EventReservationCreated))
	require.NoError(t, svc.HandleEvent(ctx, msg))
	require.NoError(t, svc.HandleEvent(ctx, msg))

	got, err := svc.List(ctx, "reservation", "r-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	l := got[0]
	assert.Equal(t, "reservation.created", l.Action)
	assert.Equal(t, "buyer-7", l.HolderID)
	assert.Equal(t, "shop-1", l.ShopID)
	assert.Equal(t, at, l.CreatedAt)
	assert.Equal(t, "req-1", l.Metadata["trace_id"])
	assert.Equal(t, "p-1", l.Metadata["product_id"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `shop_audit_events_total{result="written"} 1`)
	assert.Contains(t, rec.Body.String(), `shop_audit_events_total{result="duplicate"} 1`)
}

func TestStoreIdempotencyWithoutDedup(t *testing.T) {
	store := &memStore{}
	svc := &Service{Store: store, Log: zap.NewNop()}
	msg := message(t, orders.TopicReservations, reservationEvent(orders.EventReservationExpired))

	require.NoError(t, svc.HandleEvent(context.Background(), msg))
	require.NoError(t, svc.HandleEvent(context.Background(), msg))
	assert.Len(t, store.rows, 1)
}

func TestHandleEventDropsWhatItCannotUse(t *testing.T) {
	store := &memStore{}
	svc := &Service{Store: store, Dedup: &MemoryDedup{}, Log: zap.NewNop()}
	ctx := context.Background()

	assert.NoError(t, svc.HandleEvent(ctx, kafkago.Message{Value: []byte("{nope")}))
	unknown := orders.NewEnvelope("StockMoved", "shop-api", "x", "", map[string]string{"product_id": "p"}, at)
	assert.NoError(t, svc.HandleEvent(ctx, message(t, orders.TopicProducts, unknown)))
	assert.Empty(t, store.rows)
}

func TestStorageFailureIsRetried(t *testing.T) {
	store := &memStore{fail: errors.New("db down")}
	dedup := &MemoryDedup{}
	svc := &Service{Store: store, Dedup: dedup, Log: zap.NewNop()}
	env := reservationEvent(orders.EventReservationCancelled)
	msg := message(t, orders.TopicReservations, env)

	require.Error(t, svc.HandleEvent(context.Background(), msg))
	seen, _ := dedup.Seen(context.Background(), env.EventID)
	assert.False(t, seen, "a failed insert must not be marked as processed")

	store.fail = nil
	require.NoError(t, svc.HandleEvent(context.Background(), msg))
	assert.Len(t, store.rows, 1)
}

func TestEntryResources(t *testing.T) {
	o := orders.Order{ID: "o-1", ShopID: "shop-1", ReservationID: "r-1", HolderID: "buyer-7", Status: orders.OrderPaid}
	prod := orders.ProductPayload{ProductID: "p-1", ShopID: "shop-1", Actor: "owner-1"}

	cases := map[string]struct {
		env      orders.Envelope
		action   string
		resource string
		id       string
		holder   string
	}{
		"order confirmed": {orders.NewEnvelope(orders.EventOrderConfirmed, "api", o.ID, "", orders.OrderEventPayload(o), at), "order.confirmed", "order", "o-1", "buyer-7"},
		"order status":    {orders.NewEnvelope(orders.EventOrderStatusChanged, "api", o.ID, "", orders.OrderEventPayload(o), at), "order.status_changed", "order", "o-1", "buyer-7"},
		"product deleted": {orders.NewEnvelope(orders.EventProductDeleted, "api", "p-1", "", prod, at), "product.deleted", "product", "p-1", "owner-1"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			l, err := Entry(tc.env)
			require.NoError(t, err)
			assert.Equal(t, tc.action, l.Action)
			assert.Equal(t, tc.resource, l.ResourceType)
			assert.Equal(t, tc.id, l.ResourceID)
			assert.Equal(t, tc.holder, l.HolderID)
			assert.Equal(t, tc.env.EventID, l.EventID)
		})
	}
}
