// Package audit consumes domain events and records them in the audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Store is where audit rows land; *postgres.AuditRepo implements it.
// Insert must be idempotent on EventID.
type Store interface {
	Insert(ctx context.Context, l orders.AuditLog) (bool, error)
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]orders.AuditLog, error)
}

// Dedup remembers processed event ids so redeliveries skip the database.
type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Service struct {
	Store   Store
	Dedup   Dedup // optional
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// HandleEvent is installed as the consumer handler. A nil return commits the offset,
// so only storage failures are returned; undecodable messages are logged and dropped.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.EventID == "" {
		s.Log.Warn("dropping undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		s.Metrics.EventAudited("malformed")
		return nil
	}

	if s.Dedup != nil {
		seen, err := s.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			s.Log.Warn("dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			s.Metrics.EventAudited("duplicate")
			return nil
		}
	}

	l, err := Entry(env)
	if err != nil {
		s.Log.Warn("dropping event", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.Error(err))
		s.Metrics.EventAudited("ignored")
		return nil
	}

	written, err := s.Store.Insert(ctx, l)
	if err != nil {
		s.Metrics.EventAudited("failed")
		return err
	}
	if s.Dedup != nil {
		if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			s.Log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	if !written {
		s.Metrics.EventAudited("duplicate")
		return nil
	}
	s.Metrics.EventAudited("written")
	s.Log.Debug("event audited", zap.String("event_id", env.EventID), zap.String("action", l.Action),
		zap.String("resource_id", l.ResourceID), zap.String("trace_id", env.TraceID))
	return nil
}

func (s *Service) List(ctx context.Context, resourceType, resourceID string, limit int) ([]orders.AuditLog, error) {
	out, err := s.Store.ListByResource(ctx, resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []orders.AuditLog{}
	}
	return out, nil
}

// subject holds the fields every payload shares, whichever aggregate it describes.
type subject struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
	ShopID        string `json:"shop_id"`
	HolderID      string `json:"holder_id"`
	Actor         string `json:"actor"`
}

// Entry maps an event envelope to its audit row.
func Entry(env orders.Envelope) (orders.AuditLog, error) {
	var sub subject
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return orders.AuditLog{}, fmt.Errorf("decode payload: %w", err)
	}
	meta := map[string]any{}
	if err := json.Unmarshal(env.Payload, &meta); err != nil {
		return orders.AuditLog{}, fmt.Errorf("decode payload: %w", err)
	}
	meta["producer"] = env.Producer
	if env.TraceID != "" {
		meta["trace_id"] = env.TraceID
	}

	l := orders.AuditLog{
		ID:        uuid.NewString(),
		EventID:   env.EventID,
		Action:    action(env.EventType),
		HolderID:  sub.HolderID,
		ShopID:    sub.ShopID,
		Metadata:  meta,
		CreatedAt: env.OccurredAt,
	}
	switch env.EventType {
	case orders.EventReservationCreated, orders.EventReservationCancelled, orders.EventReservationExpired:
		l.ResourceType, l.ResourceID = "reservation", sub.ReservationID
	case orders.EventOrderConfirmed, orders.EventOrderStatusChanged:
		l.ResourceType, l.ResourceID = "order", sub.OrderID
	case orders.EventProductCreated, orders.EventProductUpdated, orders.EventProductDeleted:
		l.ResourceType, l.ResourceID = "product", sub.ProductID
		l.HolderID = sub.Actor
	default:
		return orders.AuditLog{}, fmt.Errorf("unknown event type %q", env.EventType)
	}
	if l.ResourceID == "" {
		return orders.AuditLog{}, fmt.Errorf("%s without a resource id", env.EventType)
	}
	return l, nil
}

// action turns ReservationCreated into reservation.created.
func action(eventType string) string {
	for i := 1; i < len(eventType); i++ {
		if eventType[i] >= 'A' && eventType[i] <= 'Z' {
			return strings.ToLower(eventType[:i]) + "." + toSnake(eventType[i:])
		}
	}
	return strings.ToLower(eventType)
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
