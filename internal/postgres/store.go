package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store implements orders.Store. Outside WithTx every call runs on the pool;
// inside, the same methods run on the pgx.Tx.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

var _ orders.Store = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Internal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Store{pool: s.pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(err, "commit tx")
	}
	return nil
}

// ---- ledger ----

func (s *Store) productExists(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, productID).Scan(&ok)
	return ok, err
}

// ledgerMiss classifies a conditional UPDATE that touched no row.
func (s *Store) ledgerMiss(ctx context.Context, productID string, guardErr error) error {
	ok, err := s.productExists(ctx, productID)
	if err != nil {
		return apperr.Internal(err, "ledger lookup")
	}
	if !ok {
		return apperr.NotFound("product %s not found", productID)
	}
	return guardErr
}

func (s *Store) Reserve(ctx context.Context, productID string, qty int) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE products
		SET quantity_reserved = quantity_reserved + $2, updated_at = now()
		WHERE id = $1 AND quantity_total - quantity_reserved - quantity_sold >= $2`,
		productID, qty)
	if err != nil {
		return apperr.Internal(err, "reserve stock")
	}
	if ct.RowsAffected() != 1 {
		return s.ledgerMiss(ctx, productID, orders.ErrInsufficientStock)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, productID string, qty int) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE products
		SET quantity_reserved = GREATEST(quantity_reserved - $2, 0), updated_at = now()
		WHERE id = $1`, productID, qty)
	if err != nil {
		return apperr.Internal(err, "release stock")
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("product %s not found", productID)
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, productID string, qty int) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE products
		SET quantity_reserved = quantity_reserved - $2, quantity_sold = quantity_sold + $2, updated_at = now()
		WHERE id = $1 AND quantity_reserved >= $2`, productID, qty)
	if err != nil {
		return apperr.Internal(err, "finalize stock")
	}
	if ct.RowsAffected() != 1 {
		return s.ledgerMiss(ctx, productID,
			apperr.Conflict("product %s has fewer than %d reserved units", productID, qty))
	}
	return nil
}

func (s *Store) FinalizePreorder(ctx context.Context, productID string, qty int) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE products
		SET quantity_preordered = quantity_preordered + $2, updated_at = now()
		WHERE id = $1`, productID, qty)
	if err != nil {
		return apperr.Internal(err, "finalize preorder")
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("product %s not found", productID)
	}
	return nil
}

func (s *Store) AdjustTotal(ctx context.Context, productID string, total int) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE products
		SET quantity_total = $2, updated_at = now()
		WHERE id = $1 AND $2 >= 0 AND $2 >= quantity_reserved + quantity_sold`, productID, total)
	if err != nil {
		return apperr.Internal(err, "adjust total")
	}
	if ct.RowsAffected() != 1 {
		return s.ledgerMiss(ctx, productID,
			apperr.Conflict("quantity_total %d is below reserved + sold", total))
	}
	return nil
}

// ---- products ----

const productCols = `id, shop_id, sku, name, price::text, quantity_total, quantity_reserved, quantity_sold,
	quantity_preordered, preorder_enabled, preorder_estimate_days, created_at, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	var price string
	err := row.Scan(&p.ID, &p.ShopID, &p.SKU, &p.Name, &price, &p.QuantityTotal, &p.QuantityReserved,
		&p.QuantitySold, &p.QuantityPreordered, &p.PreorderEnabled, &p.PreorderEstimateDays, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return p, fmt.Errorf("product %s price: %w", p.ID, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, shopID, productID string) (orders.Product, error) {
	p, err := scanProduct(s.q.QueryRow(ctx,
		`SELECT `+productCols+` FROM products WHERE id=$1 AND ($2 = '' OR shop_id=$2)`, productID, shopID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, apperr.NotFound("product %s not found", productID)
	}
	if err != nil {
		return p, apperr.Internal(err, "load product")
	}
	return p, nil
}

func (s *Store) InsertProduct(ctx context.Context, p orders.Product) error {
	if err := p.Validate(); err != nil {
		return apperr.Internal(err, "insert product")
	}
	ct, err := s.q.Exec(ctx, `
		INSERT INTO products(id, shop_id, sku, name, price, quantity_total, preorder_enabled,
		                     preorder_estimate_days, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,$9)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.ShopID, p.SKU, p.Name, p.Price.String(), p.QuantityTotal, p.PreorderEnabled,
		p.PreorderEstimateDays, p.CreatedAt)
	if err != nil {
		return apperr.Internal(err, "insert product")
	}
	if ct.RowsAffected() != 1 {
		return apperr.Conflict("product %s already exists", p.ID)
	}
	return nil
}

func (s *Store) UpdateProduct(ctx context.Context, u orders.ProductUpdate) error {
	sets := []string{"updated_at = $3"}
	args := []any{u.ProductID, u.ShopID, u.At}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.SKU != nil {
		add("sku", *u.SKU)
	}
	if u.Price != nil {
		args = append(args, u.Price.String())
		sets = append(sets, fmt.Sprintf("price = $%d::numeric", len(args)))
	}
	if u.PreorderEnabled != nil {
		add("preorder_enabled", *u.PreorderEnabled)
	}
	if u.PreorderEstimateDays != nil {
		add("preorder_estimate_days", *u.PreorderEstimateDays)
	}
	ct, err := s.q.Exec(ctx,
		`UPDATE products SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND shop_id = $2`, args...)
	if err != nil {
		return apperr.Internal(err, "update product")
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("product %s not found", u.ProductID)
	}
	return nil
}

func (s *Store) DeleteProduct(ctx context.Context, shopID, productID string) error {
	ct, err := s.q.Exec(ctx, `DELETE FROM products WHERE id=$1 AND shop_id=$2`, productID, shopID)
	if err != nil {
		return apperr.Internal(err, "delete product")
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("product %s not found", productID)
	}
	return nil
}

func (s *Store) CountOpenReservations(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM reservations WHERE product_id=$1 AND status='active')
		     + (SELECT COUNT(*) FROM order_items WHERE product_id=$1)`, productID).Scan(&n)
	if err != nil {
		return 0, apperr.Internal(err, "count open reservations")
	}
	return n, nil
}

// ---- reservations ----

const reservationCols = `id, shop_id, product_id, holder_id, quantity, status, order_type,
	expires_at, expected_delivery_date, created_at, updated_at`

func scanReservation(row pgx.Row) (orders.Reservation, error) {
	var r orders.Reservation
	var status, orderType string
	err := row.Scan(&r.ID, &r.ShopID, &r.ProductID, &r.HolderID, &r.Quantity, &status, &orderType,
		&r.ExpiresAt, &r.ExpectedDeliveryDate, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Status = orders.ReservationStatus(status)
	r.OrderType = orders.OrderType(orderType)
	return r, r.Validate()
}

func (s *Store) InsertReservation(ctx context.Context, r orders.Reservation) error {
	if err := r.Validate(); err != nil {
		return apperr.Internal(err, "insert reservation")
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO reservations(id, shop_id, product_id, holder_id, quantity, status, order_type,
		                         expires_at, expected_delivery_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		r.ID, r.ShopID, r.ProductID, r.HolderID, r.Quantity, string(r.Status), string(r.OrderType),
		r.ExpiresAt, r.ExpectedDeliveryDate, r.CreatedAt)
	if err != nil {
		return apperr.Internal(err, "insert reservation")
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (orders.Reservation, error) {
	r, err := scanReservation(s.q.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, apperr.NotFound("reservation %s not found", id)
	}
	if err != nil {
		return r, apperr.Internal(err, "load reservation")
	}
	return r, nil
}

func (s *Store) TransitionReservation(ctx context.Context, t orders.Transition) (bool, error) {
	var notExpired *time.Time
	if !t.NotExpiredAt.IsZero() {
		notExpired = &t.NotExpiredAt
	}
	ct, err := s.q.Exec(ctx, `
		UPDATE reservations SET status = $3, updated_at = $5
		WHERE id = $1 AND status = $2
		  AND ($4::timestamptz IS NULL OR expires_at IS NULL OR expires_at >= $4::timestamptz)`,
		t.ReservationID, string(t.From), string(t.To), notExpired, t.At)
	if err != nil {
		return false, apperr.Internal(err, "transition reservation")
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE id=$1)`, t.ReservationID).Scan(&exists); err != nil {
		return false, apperr.Internal(err, "transition reservation")
	}
	if !exists {
		return false, apperr.NotFound("reservation %s not found", t.ReservationID)
	}
	return false, nil
}

func (s *Store) ListReservations(ctx context.Context, f orders.ReservationFilter) ([]orders.Reservation, error) {
	where := []string{"shop_id = $1"}
	args := []any{f.ShopID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.HolderID != "" {
		args = append(args, f.HolderID)
		where = append(where, fmt.Sprintf("holder_id = $%d", len(args)))
	}
	return s.queryReservations(ctx, `SELECT `+reservationCols+` FROM reservations WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
}

func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryReservations(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE status = 'active' AND order_type = 'normal' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

func (s *Store) queryReservations(ctx context.Context, sql string, args ...any) ([]orders.Reservation, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Internal(err, "list reservations")
	}
	defer rows.Close()

	var out []orders.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan reservation")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list reservations")
	}
	return out, nil
}

// ---- orders ----

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := o.Validate(); err != nil {
		return apperr.Internal(err, "insert order")
	}
	// the reservation must already be purchased when its order row appears
	ct, err := s.q.Exec(ctx, `
		INSERT INTO orders(id, shop_id, reservation_id, holder_id, total_amount, status, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::numeric, $6::text, $7::timestamptz, $7::timestamptz
		WHERE EXISTS (SELECT 1 FROM reservations WHERE id = $3::text AND status = 'purchased')`,
		o.ID, o.ShopID, o.ReservationID, o.HolderID, o.TotalAmount.String(), string(o.Status), o.CreatedAt)
	if err != nil {
		return apperr.Internal(err, "insert order")
	}
	if ct.RowsAffected() != 1 {
		return apperr.InvalidState("reservation %s is not purchased", o.ReservationID)
	}

	for _, it := range o.Items {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5::numeric)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice.String()); err != nil {
			return apperr.Internal(err, "insert order item")
		}
	}
	return nil
}

const orderCols = `id, shop_id, reservation_id, holder_id, total_amount::text, status, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	var total, status string
	if err := row.Scan(&o.ID, &o.ShopID, &o.ReservationID, &o.HolderID, &total, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.Status = orders.OrderStatus(status)
	var err error
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return o, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, shopID, orderID string) (orders.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id=$1 AND ($2 = '' OR shop_id=$2)`, orderID, shopID))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, apperr.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return o, apperr.Internal(err, "load order")
	}
	list := []orders.Order{o}
	if err := s.attachItems(ctx, list); err != nil {
		return o, err
	}
	return list[0], nil
}

func (s *Store) ListOrders(ctx context.Context, f orders.OrderFilter) ([]orders.Order, error) {
	where := []string{"shop_id = $1"}
	args := []any{f.ShopID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.HolderID != "" {
		args = append(args, f.HolderID)
		where = append(where, fmt.Sprintf("holder_id = $%d", len(args)))
	}
	rows, err := s.q.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, apperr.Internal(err, "list orders")
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan order")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list orders")
	}
	rows.Close()

	if err := s.attachItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachItems(ctx context.Context, list []orders.Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, 0, len(list))
	idx := make(map[string]int, len(list))
	for i, o := range list {
		ids = append(ids, o.ID)
		idx[o.ID] = i
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`, ids)
	if err != nil {
		return apperr.Internal(err, "load order items")
	}
	defer rows.Close()

	for rows.Next() {
		var it orders.OrderItem
		var price string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &price); err != nil {
			return apperr.Internal(err, "scan order item")
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return apperr.Internal(err, "order item price")
		}
		i := idx[it.OrderID]
		list[i].Items = append(list[i].Items, it)
	}
	if err := rows.Err(); err != nil {
		return apperr.Internal(err, "load order items")
	}
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, shopID, orderID string, from, to orders.OrderStatus, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE orders SET status = $4, updated_at = $5
		WHERE id = $1 AND shop_id = $2 AND status = $3`,
		orderID, shopID, string(from), string(to), at)
	if err != nil {
		return false, apperr.Internal(err, "update order status")
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1 AND shop_id=$2)`, orderID, shopID).Scan(&exists); err != nil {
		return false, apperr.Internal(err, "update order status")
	}
	if !exists {
		return false, apperr.NotFound("order %s not found", orderID)
	}
	return false, nil
}
