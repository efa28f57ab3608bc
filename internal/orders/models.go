package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                   string          `json:"id"`
	ShopID               string          `json:"shop_id"`
	SKU                  string          `json:"sku,omitempty"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	QuantityTotal        int             `json:"quantity_total"`
	QuantityReserved     int             `json:"quantity_reserved"`
	QuantitySold         int             `json:"quantity_sold"`
	QuantityPreordered   int             `json:"quantity_preordered"`
	PreorderEnabled      bool            `json:"preorder_enabled"`
	PreorderEstimateDays int             `json:"preorder_estimate_days"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

const DefaultPreorderEstimateDays = 14

// Available is the capacity left for new holds.
func (p Product) Available() int {
	n := p.QuantityTotal - p.QuantityReserved - p.QuantitySold
	if n < 0 {
		return 0
	}
	return n
}

func (p Product) Validate() error {
	switch {
	case p.ID == "" || p.ShopID == "":
		return fmt.Errorf("product: missing id or shop_id")
	case p.QuantityTotal < 0 || p.QuantityReserved < 0 || p.QuantitySold < 0 || p.QuantityPreordered < 0:
		return fmt.Errorf("product %s: negative quantity", p.ID)
	case p.QuantityReserved+p.QuantitySold > p.QuantityTotal:
		return fmt.Errorf("product %s: reserved(%d)+sold(%d) exceeds total(%d)",
			p.ID, p.QuantityReserved, p.QuantitySold, p.QuantityTotal)
	case p.PreorderEstimateDays < 1:
		return fmt.Errorf("product %s: preorder_estimate_days must be positive", p.ID)
	case p.Price.IsNegative():
		return fmt.Errorf("product %s: negative price", p.ID)
	}
	return nil
}

type Reservation struct {
	ID                   string            `json:"id"`
	ShopID               string            `json:"shop_id"`
	ProductID            string            `json:"product_id"`
	HolderID             string            `json:"holder_id"`
	Quantity             int               `json:"quantity"`
	Status               ReservationStatus `json:"status"`
	OrderType            OrderType         `json:"order_type"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
	ExpectedDeliveryDate *time.Time        `json:"expected_delivery_date,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// IsExpired reports whether a normal hold's deadline has passed at now,
// regardless of whether the sweeper has marked it yet.
func (r Reservation) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

func (r Reservation) Validate() error {
	if r.ID == "" || r.ShopID == "" || r.ProductID == "" || r.HolderID == "" {
		return fmt.Errorf("reservation: missing id, shop_id, product_id or holder_id")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("reservation %s: quantity must be positive", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("reservation %s: unknown status %q", r.ID, r.Status)
	}
	switch r.OrderType {
	case OrderTypeNormal:
		if r.ExpiresAt == nil || r.ExpectedDeliveryDate != nil {
			return fmt.Errorf("reservation %s: normal hold needs expires_at only", r.ID)
		}
	case OrderTypePreorder:
		if r.ExpectedDeliveryDate == nil || r.ExpiresAt != nil {
			return fmt.Errorf("reservation %s: preorder needs expected_delivery_date only", r.ID)
		}
	default:
		return fmt.Errorf("reservation %s: unknown order_type %q", r.ID, r.OrderType)
	}
	return nil
}

type Order struct {
	ID            string          `json:"id"`
	ShopID        string          `json:"shop_id"`
	ReservationID string          `json:"reservation_id"`
	HolderID      string          `json:"holder_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        OrderStatus     `json:"status"`
	Items         []OrderItem     `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (o Order) Validate() error {
	if o.ID == "" || o.ShopID == "" || o.ReservationID == "" || o.HolderID == "" {
		return fmt.Errorf("order: missing id, shop_id, reservation_id or holder_id")
	}
	if o.TotalAmount.IsNegative() {
		return fmt.Errorf("order %s: negative total", o.ID)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("order %s: unknown status %q", o.ID, o.Status)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order %s: no items", o.ID)
	}
	for _, it := range o.Items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return fmt.Errorf("order %s: invalid item for product %s", o.ID, it.ProductID)
		}
	}
	return nil
}

// OrderItem.UnitPrice is the price at confirmation time; it never follows
// later product price changes.
type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
}

func (it OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

type AuditLog struct {
	ID           string         `json:"id"`
	EventID      string         `json:"event_id"`
	Action       string         `json:"action"`
	HolderID     string         `json:"holder_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ShopID       string         `json:"shop_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Subscription grants a shop the use of one sales channel until ExpiresAt.
type Subscription struct {
	ID        string    `json:"id"`
	ShopID    string    `json:"shop_id"`
	Channel   string    `json:"channel"`
	PlanType  string    `json:"plan_type"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
