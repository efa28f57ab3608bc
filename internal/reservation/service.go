// Package reservation places and cancels holds on products.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/guard"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/validate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// HoldPolicy bounds hold_minutes. A request of 0 means Default.
type HoldPolicy struct {
	Default int
	Min     int
	Max     int
}

var DefaultHoldPolicy = HoldPolicy{Default: 10, Min: 1, Max: 60}

type Outcome string

const (
	OutcomeNormal      Outcome = "normal"
	OutcomePreorder    Outcome = "preorder"
	OutcomeUnavailable Outcome = "unavailable"
)

type CheckRequest struct {
	ShopID      string `json:"shop_id" validate:"required"`
	ProductID   string `json:"product_id" validate:"required"`
	HolderID    string `json:"holder_id" validate:"required,max=255"`
	HoldMinutes int    `json:"hold_minutes" validate:"gte=0"`
}

type CheckResult struct {
	Available            bool       `json:"available"`
	Type                 Outcome    `json:"type"`
	ReservationID        string     `json:"reservation_id,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

type ListRequest struct {
	ShopID   string `json:"shop_id" validate:"required"`
	Status   string `json:"status" validate:"omitempty,oneof=active purchased cancelled expired"`
	HolderID string `json:"holder_id" validate:"max=255"`
}

type Service struct {
	Store     orders.Store
	Clock     clockwork.Clock
	Guard     guard.Guard
	Publisher orders.Publisher
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Hold      HoldPolicy
	Producer  string // event producer name
}

func (s *Service) holdFor(minutes int) (time.Duration, error) {
	p := s.Hold
	if p.Max == 0 {
		p = DefaultHoldPolicy
	}
	if minutes == 0 {
		minutes = p.Default
	}
	if minutes < p.Min || minutes > p.Max {
		return 0, apperr.Validation("hold_minutes out of range", map[string]string{"hold_minutes": "range"})
	}
	return time.Duration(minutes) * time.Minute, nil
}

// CheckAndReserve takes one unit of the product for the holder. With no
// capacity left it falls back to a preorder when the product allows it.
func (s *Service) CheckAndReserve(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if err := validate.Struct(req); err != nil {
		return CheckResult{}, err
	}
	hold, err := s.holdFor(req.HoldMinutes)
	if err != nil {
		return CheckResult{}, err
	}

	now := s.Clock.Now().UTC()
	var (
		res    CheckResult
		placed *orders.Reservation
	)
	err = s.Store.WithTx(ctx, func(tx orders.Tx) error {
		p, err := tx.GetProduct(ctx, req.ShopID, req.ProductID)
		if err != nil {
			return err
		}

		r := orders.Reservation{
			ID:        uuid.NewString(),
			ShopID:    p.ShopID,
			ProductID: p.ID,
			HolderID:  req.HolderID,
			Quantity:  1,
			Status:    orders.ReservationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = tx.Reserve(ctx, p.ID, 1)
		switch {
		case err == nil:
			exp := now.Add(hold)
			r.OrderType = orders.OrderTypeNormal
			r.ExpiresAt = &exp
			res = CheckResult{Available: true, Type: OutcomeNormal, ReservationID: r.ID, ExpiresAt: &exp}
		case errors.Is(err, orders.ErrInsufficientStock) && p.PreorderEnabled:
			days := p.PreorderEstimateDays
			if days <= 0 {
				days = orders.DefaultPreorderEstimateDays
			}
			eta := now.AddDate(0, 0, days)
			r.OrderType = orders.OrderTypePreorder
			r.ExpectedDeliveryDate = &eta
			res = CheckResult{Available: false, Type: OutcomePreorder, ReservationID: r.ID, ExpectedDeliveryDate: &eta}
		case errors.Is(err, orders.ErrInsufficientStock):
			res = CheckResult{Available: false, Type: OutcomeUnavailable, Reason: "out of stock"}
			return nil
		default:
			return err
		}

		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		placed = &r
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	s.Metrics.ReservationChecked(string(res.Type))
	if placed != nil {
		s.Log.Info("reservation created",
			zap.String("reservation_id", placed.ID), zap.String("product_id", placed.ProductID),
			zap.String("type", string(placed.OrderType)))
		s.emit(ctx, orders.EventReservationCreated, *placed, now)
	}
	return res, nil
}

// Cancel moves an active reservation to cancelled and returns a normal hold's unit to the ledger.
func (s *Service) Cancel(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return apperr.Validation("reservation_id is required", map[string]string{"reservation_id": "required"})
	}
	release, err := s.Guard.Acquire(ctx, "cancel", reservationID)
	if err != nil {
		return err
	}
	defer release()

	now := s.Clock.Now().UTC()
	var cancelled orders.Reservation
	err = s.Store.WithTx(ctx, func(tx orders.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != orders.ReservationActive {
			return apperr.InvalidState("reservation %s is %s", r.ID, r.Status)
		}
		ok, err := tx.TransitionReservation(ctx, orders.Transition{
			ReservationID: r.ID, From: orders.ReservationActive, To: orders.ReservationCancelled, At: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// lost to a concurrent confirm, cancel or sweep
			return apperr.InvalidState("reservation %s is no longer active", r.ID)
		}
		if r.OrderType == orders.OrderTypeNormal {
			if err := tx.Release(ctx, r.ProductID, r.Quantity); err != nil {
				return err
			}
		}
		r.Status = orders.ReservationCancelled
		r.UpdatedAt = now
		cancelled = r
		return nil
	})
	if err != nil {
		return err
	}

	s.Metrics.ReservationClosed(string(orders.ReservationCancelled))
	s.Log.Info("reservation cancelled", zap.String("reservation_id", cancelled.ID),
		zap.String("type", string(cancelled.OrderType)))
	s.emit(ctx, orders.EventReservationCancelled, cancelled, now)
	return nil
}

func (s *Service) Get(ctx context.Context, reservationID string) (orders.Reservation, error) {
	if reservationID == "" {
		return orders.Reservation{}, apperr.Validation("reservation_id is required", map[string]string{"reservation_id": "required"})
	}
	return s.Store.GetReservation(ctx, reservationID)
}

// List returns the shop's reservations, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]orders.Reservation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	out, err := s.Store.ListReservations(ctx, orders.ReservationFilter{
		ShopID:   req.ShopID,
		Status:   orders.ReservationStatus(req.Status),
		HolderID: req.HolderID,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []orders.Reservation{}
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, eventType string, r orders.Reservation, at time.Time) {
	env := orders.NewEnvelope(eventType, s.Producer, r.ID, orders.TraceID(ctx), orders.ReservationEventPayload(r), at)
	orders.Emit(s.Publisher, orders.TopicReservations, env)
}
