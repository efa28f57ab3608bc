package orders

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationPurchased ReservationStatus = "purchased"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// active is the only initial state; the other three are terminal.
var validNext = map[ReservationStatus]map[ReservationStatus]bool{
	ReservationActive:    {ReservationPurchased: true, ReservationCancelled: true, ReservationExpired: true},
	ReservationPurchased: {},
	ReservationCancelled: {},
	ReservationExpired:   {},
}

func CanTransition(from, to ReservationStatus) bool {
	return validNext[from][to]
}

func (s ReservationStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s ReservationStatus) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

type OrderType string

const (
	OrderTypeNormal   OrderType = "normal"
	OrderTypePreorder OrderType = "preorder"
)

type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderCreated:   {OrderPaid: true, OrderCancelled: true},
	OrderPaid:      {OrderShipped: true, OrderCancelled: true},
	OrderShipped:   {OrderDelivered: true},
	OrderDelivered: {},
	OrderCancelled: {},
}

func CanAdvanceOrder(from, to OrderStatus) bool {
	return orderNext[from][to]
}

func (s OrderStatus) Valid() bool {
	_, ok := orderNext[s]
	return ok
}
