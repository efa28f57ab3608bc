package orders

const (
	TopicReservations = "shop.reservations"
	TopicOrders       = "shop.orders"
	TopicProducts     = "shop.products"
)

var AllTopics = []string{TopicReservations, TopicOrders, TopicProducts}

// Partition key = aggregate id, so every event of one reservation/order keeps its order.
func PartitionKey(id string) []byte { return []byte(id) }
