package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id                     TEXT PRIMARY KEY,
	shop_id                TEXT NOT NULL,
	sku                    TEXT NOT NULL DEFAULT '',
	name                   TEXT NOT NULL,
	price                  NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (price >= 0),
	quantity_total         INTEGER NOT NULL DEFAULT 0 CHECK (quantity_total >= 0),
	quantity_reserved      INTEGER NOT NULL DEFAULT 0 CHECK (quantity_reserved >= 0),
	quantity_sold          INTEGER NOT NULL DEFAULT 0 CHECK (quantity_sold >= 0),
	quantity_preordered    INTEGER NOT NULL DEFAULT 0 CHECK (quantity_preordered >= 0),
	preorder_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
	preorder_estimate_days INTEGER NOT NULL DEFAULT 14 CHECK (preorder_estimate_days >= 1),
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT products_conservation CHECK (quantity_reserved + quantity_sold <= quantity_total)
);
CREATE INDEX IF NOT EXISTS idx_products_shop ON products(shop_id);

CREATE TABLE IF NOT EXISTS reservations (
	id                     TEXT PRIMARY KEY,
	shop_id                TEXT NOT NULL,
	product_id             TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	holder_id              TEXT NOT NULL,
	quantity               INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
	status                 TEXT NOT NULL CHECK (status IN ('active','purchased','cancelled','expired')),
	order_type             TEXT NOT NULL CHECK (order_type IN ('normal','preorder')),
	expires_at             TIMESTAMPTZ,
	expected_delivery_date TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT reservations_deadline CHECK (
		(order_type = 'normal' AND expires_at IS NOT NULL AND expected_delivery_date IS NULL) OR
		(order_type = 'preorder' AND expected_delivery_date IS NOT NULL AND expires_at IS NULL)
	)
);
CREATE INDEX IF NOT EXISTS idx_reservations_shop_created ON reservations(shop_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations(expires_at)
	WHERE status = 'active' AND order_type = 'normal';

CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	shop_id        TEXT NOT NULL,
	reservation_id TEXT NOT NULL UNIQUE REFERENCES reservations(id) ON DELETE RESTRICT,
	holder_id      TEXT NOT NULL,
	total_amount   NUMERIC(14,2) NOT NULL CHECK (total_amount >= 0),
	status         TEXT NOT NULL CHECK (status IN ('created','paid','shipped','delivered','cancelled')),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_shop_created ON orders(shop_id, created_at DESC);

CREATE TABLE IF NOT EXISTS order_items (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	product_id TEXT NOT NULL REFERENCES products(id) ON DELETE RESTRICT,
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	unit_price NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0)
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

CREATE TABLE IF NOT EXISTS shop_subscriptions (
	id         TEXT PRIMARY KEY,
	shop_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	plan_type  TEXT NOT NULL DEFAULT 'monthly',
	status     TEXT NOT NULL CHECK (status IN ('active','cancelled','expired')),
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_shop_channel ON shop_subscriptions(shop_id, channel, status);

CREATE TABLE IF NOT EXISTS audit_logs (
	id            TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	action        TEXT NOT NULL,
	holder_id     TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	shop_id       TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_logs(resource_type, resource_id, created_at DESC);
`

func RunMigrations(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
