package postgres

import (
	"context"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionRepo struct{ DB *pgxpool.Pool }

// HasActive reports whether shopID has an active, unexpired subscription on channel.
func (r *SubscriptionRepo) HasActive(ctx context.Context, shopID, channel string, now time.Time) (bool, error) {
	var ok bool
	err := r.DB.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM shop_subscriptions
			WHERE shop_id = $1 AND channel = $2 AND status = 'active' AND expires_at > $3)`,
		shopID, channel, now).Scan(&ok)
	if err != nil {
		return false, apperr.Internal(err, "check subscription")
	}
	return ok, nil
}

// MarkExpired flips active subscriptions past their expiry to expired and
// returns them.
func (r *SubscriptionRepo) MarkExpired(ctx context.Context, now time.Time) ([]orders.Subscription, error) {
	rows, err := r.DB.Query(ctx, `
		UPDATE shop_subscriptions SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1
		RETURNING id, shop_id, channel, plan_type, status, started_at, expires_at`, now)
	if err != nil {
		return nil, apperr.Internal(err, "expire subscriptions")
	}
	defer rows.Close()

	var out []orders.Subscription
	for rows.Next() {
		var s orders.Subscription
		if err := rows.Scan(&s.ID, &s.ShopID, &s.Channel, &s.PlanType, &s.Status, &s.StartedAt, &s.ExpiresAt); err != nil {
			return nil, apperr.Internal(err, "expire subscriptions")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SubscriptionRepo) Insert(ctx context.Context, s orders.Subscription) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO shop_subscriptions(id, shop_id, channel, plan_type, status, started_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.ShopID, s.Channel, s.PlanType, s.Status, s.StartedAt, s.ExpiresAt)
	if err != nil {
		return apperr.Internal(err, "insert subscription")
	}
	return nil
}

// Cancel flips the shop's active subscriptions on channel to cancelled.
func (r *SubscriptionRepo) Cancel(ctx context.Context, shopID, channel string) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE shop_subscriptions SET status = 'cancelled'
		WHERE shop_id = $1 AND channel = $2 AND status = 'active'`, shopID, channel)
	if err != nil {
		return 0, apperr.Internal(err, "cancel subscription")
	}
	return ct.RowsAffected(), nil
}
