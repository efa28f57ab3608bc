// Package fulfillment turns an active reservation into a paid order.
package fulfillment

import (
	"context"
	"strconv"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/guard"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/validate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentVerifier is consulted after the reservation checks and before anything is written.
// A non-nil error rejects the confirm.
type PaymentVerifier interface {
	Verify(ctx context.Context, r orders.Reservation, total decimal.Decimal) error
}

type ItemInput struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"min=1,max=1000"`
	Price     decimal.Decimal `json:"price"`
}

type ConfirmRequest struct {
	ReservationID string      `json:"reservation_id" validate:"required"`
	HolderID      string      `json:"holder_id" validate:"required,max=255"`
	Items         []ItemInput `json:"items" validate:"required,min=1,max=50,dive"`
}

type ConfirmResult struct {
	Success bool         `json:"success"`
	OrderID string       `json:"order_id"`
	Order   orders.Order `json:"order"`
}

type ListRequest struct {
	ShopID   string `json:"shop_id" validate:"required"`
	Status   string `json:"status" validate:"omitempty,oneof=created paid shipped delivered cancelled"`
	HolderID string `json:"holder_id" validate:"max=255"`
}

type StatusRequest struct {
	ShopID  string `json:"shop_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=created paid shipped delivered cancelled"`
}

var maxPrice = decimal.NewFromInt(1_000_000)

type Service struct {
	Store     orders.Store
	Clock     clockwork.Clock
	Guard     guard.Guard
	Payments  PaymentVerifier // optional
	Publisher orders.Publisher
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Producer  string
}

// Confirm marks the reservation purchased, moves its stock to sold and
// writes the order with its items. All of it commits together or not at all.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (res ConfirmResult, err error) {
	defer func() {
		if err != nil {
			s.Metrics.ConfirmFailed(string(apperr.KindOf(err)))
		}
	}()

	if err := validate.Struct(req); err != nil {
		return ConfirmResult{}, err
	}
	if err := checkPrices(req.Items); err != nil {
		return ConfirmResult{}, err
	}

	release, err := s.Guard.Acquire(ctx, "confirm", req.ReservationID)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer release()

	now := s.Clock.Now().UTC()
	r, err := s.Store.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := checkConfirmable(r, now); err != nil {
		return ConfirmResult{}, err
	}
	if err := checkItems(r, req.Items); err != nil {
		return ConfirmResult{}, err
	}

	o := orders.Order{
		ID:            uuid.NewString(),
		ShopID:        r.ShopID,
		ReservationID: r.ID,
		HolderID:      req.HolderID,
		Status:        orders.OrderPaid,
		TotalAmount:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, in := range req.Items {
		it := orders.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			UnitPrice: in.Price,
		}
		o.Items = append(o.Items, it)
		o.TotalAmount = o.TotalAmount.Add(it.LineTotal())
	}

	if s.Payments != nil {
		if err := s.Payments.Verify(ctx, r, o.TotalAmount); err != nil {
			return ConfirmResult{}, err
		}
	}

	err = s.Store.WithTx(ctx, func(tx orders.Tx) error {
		ok, err := tx.TransitionReservation(ctx, orders.Transition{
			ReservationID: r.ID,
			From:          orders.ReservationActive,
			To:            orders.ReservationPurchased,
			NotExpiredAt:  now,
			At:            now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// someone got there between the pre-check and now; report what they did
			cur, err := tx.GetReservation(ctx, r.ID)
			if err != nil {
				return err
			}
			if err := checkConfirmable(cur, now); err != nil {
				return err
			}
			return apperr.InvalidState("reservation %s is no longer active", r.ID)
		}

		for _, it := range o.Items {
			if r.OrderType == orders.OrderTypePreorder {
				err = tx.FinalizePreorder(ctx, it.ProductID, it.Quantity)
			} else {
				err = tx.Finalize(ctx, it.ProductID, it.Quantity)
			}
			if err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		s.Log.Warn("confirm rolled back", zap.String("reservation_id", r.ID), zap.Error(err))
		return ConfirmResult{}, err
	}

	s.Metrics.OrderConfirmed()
	s.Metrics.ReservationClosed(string(orders.ReservationPurchased))
	s.Log.Info("order confirmed",
		zap.String("order_id", o.ID), zap.String("reservation_id", r.ID),
		zap.String("type", string(r.OrderType)), zap.String("total", o.TotalAmount.String()))
	s.emit(ctx, orders.EventOrderConfirmed, o, now)

	return ConfirmResult{Success: true, OrderID: o.ID, Order: o}, nil
}

func checkConfirmable(r orders.Reservation, now time.Time) error {
	if r.Status != orders.ReservationActive {
		return apperr.InvalidState("reservation %s is %s", r.ID, r.Status)
	}
	if r.IsExpired(now) {
		return apperr.Expired("reservation %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// checkItems ties the lines to the reservation: same product, and a normal
// hold can only be bought for the quantity it holds.
func checkItems(r orders.Reservation, items []ItemInput) error {
	qty := 0
	for i, it := range items {
		if it.ProductID != r.ProductID {
			return apperr.Validation("item does not match the reserved product",
				map[string]string{fieldName(i, "product_id"): "reserved_product"})
		}
		qty += it.Quantity
	}
	if r.OrderType == orders.OrderTypeNormal && qty != r.Quantity {
		return apperr.Validation("item quantity must equal the reserved quantity",
			map[string]string{"items": "reserved_quantity"})
	}
	return nil
}

func checkPrices(items []ItemInput) error {
	for i, it := range items {
		if it.Price.IsNegative() || it.Price.GreaterThan(maxPrice) {
			return apperr.Validation("invalid request", map[string]string{fieldName(i, "price"): "range"})
		}
		if !it.Price.Equal(it.Price.Round(2)) {
			return apperr.Validation("invalid request", map[string]string{fieldName(i, "price"): "max_decimals_2"})
		}
	}
	return nil
}

func fieldName(i int, f string) string {
	return "items[" + strconv.Itoa(i) + "]." + f
}

func (s *Service) Get(ctx context.Context, shopID, orderID string) (orders.Order, error) {
	fields := map[string]string{}
	if shopID == "" {
		fields["shop_id"] = "required"
	}
	if orderID == "" {
		fields["order_id"] = "required"
	}
	if len(fields) > 0 {
		return orders.Order{}, apperr.Validation("invalid request", fields)
	}
	return s.Store.GetOrder(ctx, shopID, orderID)
}

// List returns the shop's orders, newest first, with their items.
func (s *Service) List(ctx context.Context, req ListRequest) ([]orders.Order, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	out, err := s.Store.ListOrders(ctx, orders.OrderFilter{
		ShopID:   req.ShopID,
		Status:   orders.OrderStatus(req.Status),
		HolderID: req.HolderID,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []orders.Order{}
	}
	return out, nil
}

// UpdateStatus advances an order along created -> paid -> shipped -> delivered
// (or to cancelled before shipping). The reservation link never changes.
func (s *Service) UpdateStatus(ctx context.Context, req StatusRequest) (orders.Order, error) {
	if err := validate.Struct(req); err != nil {
		return orders.Order{}, err
	}
	to := orders.OrderStatus(req.Status)
	o, err := s.Store.GetOrder(ctx, req.ShopID, req.OrderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanAdvanceOrder(o.Status, to) {
		return orders.Order{}, apperr.InvalidState("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}

	now := s.Clock.Now().UTC()
	ok, err := s.Store.UpdateOrderStatus(ctx, req.ShopID, o.ID, o.Status, to, now)
	if err != nil {
		return orders.Order{}, err
	}
	if !ok {
		return orders.Order{}, apperr.InvalidState("order %s changed concurrently", o.ID)
	}
	o.Status = to
	o.UpdatedAt = now

	s.Log.Info("order status changed", zap.String("order_id", o.ID), zap.String("status", string(to)))
	s.emit(ctx, orders.EventOrderStatusChanged, o, now)
	return o, nil
}

func (s *Service) emit(ctx context.Context, eventType string, o orders.Order, at time.Time) {
	env := orders.NewEnvelope(eventType, s.Producer, o.ID, orders.TraceID(ctx), orders.OrderEventPayload(o), at)
	orders.Emit(s.Publisher, orders.TopicOrders, env)
}
