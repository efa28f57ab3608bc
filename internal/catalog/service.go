// Package catalog owns product mutations. Every write is gated by the shop's subscription.
package catalog

import (
	"context"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/ariefcatur/go-shop-reservations/internal/validate"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate is the subscription check; *subscription.Gate implements it.
type Gate interface {
	Require(ctx context.Context, shopID, channel string) error
}

type CreateRequest struct {
	ShopID               string          `json:"shop_id" validate:"required"`
	Name                 string          `json:"name" validate:"required,max=255"`
	SKU                  string          `json:"sku" validate:"max=64"`
	Price                decimal.Decimal `json:"price"`
	QuantityTotal        int             `json:"quantity_total" validate:"gte=0"`
	PreorderEnabled      bool            `json:"preorder_enabled"`
	PreorderEstimateDays int             `json:"preorder_estimate_days" validate:"gte=0,lte=365"`
	Actor                string          `json:"actor" validate:"max=255"`
}

// UpdateRequest: nil fields are left as they are.
type UpdateRequest struct {
	ShopID               string           `json:"shop_id" validate:"required"`
	ProductID            string           `json:"product_id" validate:"required"`
	Name                 *string          `json:"name" validate:"omitempty,min=1,max=255"`
	SKU                  *string          `json:"sku" validate:"omitempty,max=64"`
	Price                *decimal.Decimal `json:"price"`
	QuantityTotal        *int             `json:"quantity_total" validate:"omitempty,gte=0"`
	PreorderEnabled      *bool            `json:"preorder_enabled"`
	PreorderEstimateDays *int             `json:"preorder_estimate_days" validate:"omitempty,gte=1,lte=365"`
	Actor                string           `json:"actor" validate:"max=255"`
}

type Availability struct {
	ProductID            string `json:"product_id"`
	Total                int    `json:"quantity_total"`
	Reserved             int    `json:"quantity_reserved"`
	Sold                 int    `json:"quantity_sold"`
	Preordered           int    `json:"quantity_preordered"`
	Available            int    `json:"available"`
	PreorderEnabled      bool   `json:"preorder_enabled"`
	PreorderEstimateDays int    `json:"preorder_estimate_days"`
}

var maxPrice = decimal.NewFromInt(1_000_000)

type Service struct {
	Store     orders.Store
	Gate      Gate
	Clock     clockwork.Clock
	Publisher orders.Publisher
	Log       *zap.Logger
	Producer  string
}

func checkPrice(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(maxPrice) {
		return apperr.Validation("invalid request", map[string]string{"price": "range"})
	}
	// stored as NUMERIC(12,2)
	if !p.Equal(p.Round(2)) {
		return apperr.Validation("invalid request", map[string]string{"price": "max_decimals_2"})
	}
	return nil
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (orders.Product, error) {
	if err := validate.Struct(req); err != nil {
		return orders.Product{}, err
	}
	if err := checkPrice(req.Price); err != nil {
		return orders.Product{}, err
	}
	if err := s.Gate.Require(ctx, req.ShopID, subscription.DefaultChannel); err != nil {
		return orders.Product{}, err
	}

	now := s.Clock.Now().UTC()
	days := req.PreorderEstimateDays
	if days == 0 {
		days = orders.DefaultPreorderEstimateDays
	}
	p := orders.Product{
		ID:                   uuid.NewString(),
		ShopID:               req.ShopID,
		SKU:                  req.SKU,
		Name:                 req.Name,
		Price:                req.Price,
		QuantityTotal:        req.QuantityTotal,
		PreorderEnabled:      req.PreorderEnabled,
		PreorderEstimateDays: days,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.Store.InsertProduct(ctx, p); err != nil {
		return orders.Product{}, err
	}
	s.Log.Info("product created", zap.String("product_id", p.ID), zap.String("shop_id", p.ShopID))
	s.emit(ctx, orders.EventProductCreated, p, req.Actor, now)
	return p, nil
}

// Update edits descriptive fields and, through the ledger, the total quantity.
// Lowering the total below what is reserved plus sold is a Conflict.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (orders.Product, error) {
	if err := validate.Struct(req); err != nil {
		return orders.Product{}, err
	}
	if req.Price != nil {
		if err := checkPrice(*req.Price); err != nil {
			return orders.Product{}, err
		}
	}
	if err := s.Gate.Require(ctx, req.ShopID, subscription.DefaultChannel); err != nil {
		return orders.Product{}, err
	}

	now := s.Clock.Now().UTC()
	var out orders.Product
	err := s.Store.WithTx(ctx, func(tx orders.Tx) error {
		if err := tx.UpdateProduct(ctx, orders.ProductUpdate{
			ShopID:               req.ShopID,
			ProductID:            req.ProductID,
			Name:                 req.Name,
			SKU:                  req.SKU,
			Price:                req.Price,
			PreorderEnabled:      req.PreorderEnabled,
			PreorderEstimateDays: req.PreorderEstimateDays,
			At:                   now,
		}); err != nil {
			return err
		}
		if req.QuantityTotal != nil {
			if err := tx.AdjustTotal(ctx, req.ProductID, *req.QuantityTotal); err != nil {
				return err
			}
		}
		p, err := tx.GetProduct(ctx, req.ShopID, req.ProductID)
		out = p
		return err
	})
	if err != nil {
		return orders.Product{}, err
	}
	s.Log.Info("product updated", zap.String("product_id", out.ID))
	s.emit(ctx, orders.EventProductUpdated, out, req.Actor, now)
	return out, nil
}

// Delete removes a product with no active reservations and no order lines.
// Its terminal reservations go with it.
func (s *Service) Delete(ctx context.Context, shopID, productID, actor string) error {
	if shopID == "" || productID == "" {
		return apperr.Validation("shop_id and product_id are required", map[string]string{"shop_id": "required", "product_id": "required"})
	}
	if err := s.Gate.Require(ctx, shopID, subscription.DefaultChannel); err != nil {
		return err
	}

	var gone orders.Product
	err := s.Store.WithTx(ctx, func(tx orders.Tx) error {
		p, err := tx.GetProduct(ctx, shopID, productID)
		if err != nil {
			return err
		}
		n, err := tx.CountOpenReservations(ctx, p.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.InvalidState("product %s has %d active reservations or order lines", p.ID, n)
		}
		gone = p
		return tx.DeleteProduct(ctx, shopID, productID)
	})
	if err != nil {
		return err
	}
	s.Log.Info("product deleted", zap.String("product_id", gone.ID))
	s.emit(ctx, orders.EventProductDeleted, gone, actor, s.Clock.Now().UTC())
	return nil
}

// Availability is a read: it is not subscription gated.
func (s *Service) Availability(ctx context.Context, shopID, productID string) (Availability, error) {
	if shopID == "" || productID == "" {
		return Availability{}, apperr.Validation("shop_id and product_id are required", map[string]string{"shop_id": "required", "product_id": "required"})
	}
	p, err := s.Store.GetProduct(ctx, shopID, productID)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		ProductID:            p.ID,
		Total:                p.QuantityTotal,
		Reserved:             p.QuantityReserved,
		Sold:                 p.QuantitySold,
		Preordered:           p.QuantityPreordered,
		Available:            p.Available(),
		PreorderEnabled:      p.PreorderEnabled,
		PreorderEstimateDays: p.PreorderEstimateDays,
	}, nil
}

func (s *Service) emit(ctx context.Context, eventType string, p orders.Product, actor string, at time.Time) {
	payload := orders.ProductPayload{ProductID: p.ID, ShopID: p.ShopID, Actor: actor}
	env := orders.NewEnvelope(eventType, s.Producer, p.ID, orders.TraceID(ctx), payload, at)
	orders.Emit(s.Publisher, orders.TopicProducts, env)
}
