package orders

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	EventReservationCreated   = "ReservationCreated"
	EventReservationCancelled = "ReservationCancelled"
	EventReservationExpired   = "ReservationExpired"
	EventOrderConfirmed       = "OrderConfirmed"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventProductCreated       = "ProductCreated"
	EventProductUpdated       = "ProductUpdated"
	EventProductDeleted       = "ProductDeleted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "shop-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // reservation_id / order_id / product_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ReservationPayload struct {
	ReservationID        string     `json:"reservation_id"`
	ShopID               string     `json:"shop_id"`
	ProductID            string     `json:"product_id"`
	HolderID             string     `json:"holder_id"`
	OrderType            OrderType  `json:"order_type"`
	Status               string     `json:"status"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty"`
}

type OrderPayload struct {
	OrderID       string          `json:"order_id"`
	ShopID        string          `json:"shop_id"`
	ReservationID string          `json:"reservation_id"`
	HolderID      string          `json:"holder_id"`
	Status        OrderStatus     `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Items         []OrderItem     `json:"items,omitempty"`
}

type ProductPayload struct {
	ProductID string `json:"product_id"`
	ShopID    string `json:"shop_id"`
	Actor     string `json:"actor,omitempty"`
}

func ReservationEventPayload(r Reservation) ReservationPayload {
	return ReservationPayload{
		ReservationID:        r.ID,
		ShopID:               r.ShopID,
		ProductID:            r.ProductID,
		HolderID:             r.HolderID,
		OrderType:            r.OrderType,
		Status:               string(r.Status),
		ExpiresAt:            r.ExpiresAt,
		ExpectedDeliveryDate: r.ExpectedDeliveryDate,
	}
}

func OrderEventPayload(o Order) OrderPayload {
	return OrderPayload{
		OrderID:       o.ID,
		ShopID:        o.ShopID,
		ReservationID: o.ReservationID,
		HolderID:      o.HolderID,
		Status:        o.Status,
		TotalAmount:   o.TotalAmount,
		Items:         o.Items,
	}
}

// Publisher is satisfied by *kafkax.Producer and *kafkax.Recorder.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

func NewEnvelope(eventType, producer, correlationID, traceID string, payload any, at time.Time) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
}

// Emit publishes env keyed by its correlation id. A nil publisher is a no-op.
func Emit(p Publisher, topic string, env Envelope) {
	if p == nil {
		return
	}
	p.Publish(topic, PartitionKey(env.CorrelationID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	)
}

type traceKey struct{}

// WithTraceID tags ctx so events emitted while serving it carry the request id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
