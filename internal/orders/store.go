package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientStock is the no-op failure of Ledger.Reserve.
var ErrInsufficientStock = errors.New("insufficient stock")

// Ledger is the only way quantity counters change. Every method is a single
// conditional update on the product row, so concurrent callers can never
// both win the last unit.
type Ledger interface {
	// Reserve: total - reserved - sold >= qty ? reserved += qty : ErrInsufficientStock.
	Reserve(ctx context.Context, productID string, qty int) error
	// Release: reserved -= qty, floored at zero.
	Release(ctx context.Context, productID string, qty int) error
	// Finalize moves qty from reserved to sold. Conflict if fewer than qty are reserved.
	Finalize(ctx context.Context, productID string, qty int) error
	// FinalizePreorder records confirmed preorder units in quantity_preordered.
	// Reserved and sold are untouched: a preorder never held physical stock.
	FinalizePreorder(ctx context.Context, productID string, qty int) error
	// AdjustTotal sets quantity_total. Conflict if it would drop below reserved + sold.
	AdjustTotal(ctx context.Context, productID string, total int) error
}

// Transition is a conditional status change: it only applies while the row is
// still in From. A non-zero NotExpiredAt additionally requires expires_at to be
// unset or not before it.
type Transition struct {
	ReservationID string
	From          ReservationStatus
	To            ReservationStatus
	NotExpiredAt  time.Time
	At            time.Time
}

type ReservationFilter struct {
	ShopID   string
	Status   ReservationStatus
	HolderID string
}

type OrderFilter struct {
	ShopID   string
	Status   OrderStatus
	HolderID string
}

// ProductUpdate carries the optional fields of a product edit. Quantity
// changes go through Ledger.AdjustTotal, never through here.
type ProductUpdate struct {
	ShopID               string
	ProductID            string
	Name                 *string
	SKU                  *string
	Price                *decimal.Decimal
	PreorderEnabled      *bool
	PreorderEstimateDays *int
	At                   time.Time
}

type Tx interface {
	Ledger

	// GetProduct loads a product scoped to shopID; an empty shopID matches any shop.
	GetProduct(ctx context.Context, shopID, productID string) (Product, error)
	InsertProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, u ProductUpdate) error
	DeleteProduct(ctx context.Context, shopID, productID string) error
	// CountOpenReservations counts active reservations and order lines referencing the product.
	CountOpenReservations(ctx context.Context, productID string) (int, error)

	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// TransitionReservation reports false when the row was not in t.From
	// (or was expired) at the time of the update.
	TransitionReservation(ctx context.Context, t Transition) (bool, error)
	// ListReservations returns newest first.
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	// ListExpiredHolds returns active normal holds with expires_at strictly before now.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	// InsertOrder writes the order and its items.
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, shopID, orderID string) (Order, error)
	// ListOrders returns newest first, items included.
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, shopID, orderID string, from, to OrderStatus, at time.Time) (bool, error)
}

// Store is the transactional storage capability handed to every service.
// WithTx commits when fn returns nil and rolls everything back otherwise.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
