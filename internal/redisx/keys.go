package redisx

import "time"

const (
	// In-flight marker for confirm/cancel: inflight:{op}:{reservation_id} -> request id
	KeyInflight = "inflight:%s:%s"

	// Subscription gate cache: sub:{shop_id}:{channel} -> "1" | "0"
	KeySubscription = "sub:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Single sweeper across replicas
	KeySweepLock = "lock:sweeper:reservations"
	// Single subscription expiry job across replicas
	KeySubscriptionSweepLock = "lock:sweeper:subscriptions"
)

var (
	TTLInflight     = 30 * time.Second
	TTLSubscription = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
