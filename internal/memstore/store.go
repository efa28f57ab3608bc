// Package memstore is an in-process orders.Store. One mutex serialises every
// call, and WithTx works on a copy that replaces the live data only on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
)

type dataset struct {
	products     map[string]orders.Product
	reservations map[string]orders.Reservation
	orders       map[string]orders.Order
	seq          int64 // insertion order, breaks created_at ties
	resSeq       map[string]int64
	orderSeq     map[string]int64
}

func newDataset() *dataset {
	return &dataset{
		products:     map[string]orders.Product{},
		reservations: map[string]orders.Reservation{},
		orders:       map[string]orders.Order{},
		resSeq:       map[string]int64{},
		orderSeq:     map[string]int64{},
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	c.seq = d.seq
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.reservations {
		c.reservations[k] = v
	}
	for k, v := range d.orders {
		v.Items = append([]orders.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range d.resSeq {
		c.resSeq[k] = v
	}
	for k, v := range d.orderSeq {
		c.orderSeq[k] = v
	}
	return c
}

type Store struct {
	mu   sync.Mutex
	data *dataset
}

func New() *Store {
	return &Store{data: newDataset()}
}

var _ orders.Store = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&tx{d: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

// do runs a single call as its own transaction.
func (s *Store) do(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&tx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) Reserve(ctx context.Context, productID string, qty int) error {
	return s.do(func(t *tx) error { return t.Reserve(ctx, productID, qty) })
}

func (s *Store) Release(ctx context.Context, productID string, qty int) error {
	return s.do(func(t *tx) error { return t.Release(ctx, productID, qty) })
}

func (s *Store) Finalize(ctx context.Context, productID string, qty int) error {
	return s.do(func(t *tx) error { return t.Finalize(ctx, productID, qty) })
}

func (s *Store) FinalizePreorder(ctx context.Context, productID string, qty int) error {
	return s.do(func(t *tx) error { return t.FinalizePreorder(ctx, productID, qty) })
}

func (s *Store) AdjustTotal(ctx context.Context, productID string, total int) error {
	return s.do(func(t *tx) error { return t.AdjustTotal(ctx, productID, total) })
}

func (s *Store) GetProduct(ctx context.Context, shopID, productID string) (p orders.Product, err error) {
	err = s.do(func(t *tx) error { p, err = t.GetProduct(ctx, shopID, productID); return err })
	return p, err
}

func (s *Store) InsertProduct(ctx context.Context, p orders.Product) error {
	return s.do(func(t *tx) error { return t.InsertProduct(ctx, p) })
}

func (s *Store) UpdateProduct(ctx context.Context, u orders.ProductUpdate) error {
	return s.do(func(t *tx) error { return t.UpdateProduct(ctx, u) })
}

func (s *Store) DeleteProduct(ctx context.Context, shopID, productID string) error {
	return s.do(func(t *tx) error { return t.DeleteProduct(ctx, shopID, productID) })
}

func (s *Store) CountOpenReservations(ctx context.Context, productID string) (n int, err error) {
	err = s.do(func(t *tx) error { n, err = t.CountOpenReservations(ctx, productID); return err })
	return n, err
}

func (s *Store) InsertReservation(ctx context.Context, r orders.Reservation) error {
	return s.do(func(t *tx) error { return t.InsertReservation(ctx, r) })
}

func (s *Store) GetReservation(ctx context.Context, id string) (r orders.Reservation, err error) {
	err = s.do(func(t *tx) error { r, err = t.GetReservation(ctx, id); return err })
	return r, err
}

func (s *Store) TransitionReservation(ctx context.Context, tr orders.Transition) (ok bool, err error) {
	err = s.do(func(t *tx) error { ok, err = t.TransitionReservation(ctx, tr); return err })
	return ok, err
}

func (s *Store) ListReservations(ctx context.Context, f orders.ReservationFilter) (out []orders.Reservation, err error) {
	err = s.do(func(t *tx) error { out, err = t.ListReservations(ctx, f); return err })
	return out, err
}

func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) (out []orders.Reservation, err error) {
	err = s.do(func(t *tx) error { out, err = t.ListExpiredHolds(ctx, now, limit); return err })
	return out, err
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	return s.do(func(t *tx) error { return t.InsertOrder(ctx, o) })
}

func (s *Store) GetOrder(ctx context.Context, shopID, orderID string) (o orders.Order, err error) {
	err = s.do(func(t *tx) error { o, err = t.GetOrder(ctx, shopID, orderID); return err })
	return o, err
}

func (s *Store) ListOrders(ctx context.Context, f orders.OrderFilter) (out []orders.Order, err error) {
	err = s.do(func(t *tx) error { out, err = t.ListOrders(ctx, f); return err })
	return out, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, shopID, orderID string, from, to orders.OrderStatus, at time.Time) (ok bool, err error) {
	err = s.do(func(t *tx) error { ok, err = t.UpdateOrderStatus(ctx, shopID, orderID, from, to, at); return err })
	return ok, err
}

// tx operates on a private dataset copy; callers hold Store.mu.
type tx struct{ d *dataset }

func (t *tx) product(productID string) (orders.Product, error) {
	p, ok := t.d.products[productID]
	if !ok {
		return p, apperr.NotFound("product %s not found", productID)
	}
	return p, nil
}

func (t *tx) Reserve(_ context.Context, productID string, qty int) error {
	p, err := t.product(productID)
	if err != nil {
		return err
	}
	if p.QuantityTotal-p.QuantityReserved-p.QuantitySold < qty {
		return orders.ErrInsufficientStock
	}
	p.QuantityReserved += qty
	t.d.products[productID] = p
	return nil
}

func (t *tx) Release(_ context.Context, productID string, qty int) error {
	p, err := t.product(productID)
	if err != nil {
		return err
	}
	p.QuantityReserved -= qty
	if p.QuantityReserved < 0 {
		p.QuantityReserved = 0
	}
	t.d.products[productID] = p
	return nil
}

func (t *tx) Finalize(_ context.Context, productID string, qty int) error {
	p, err := t.product(productID)
	if err != nil {
		return err
	}
	if p.QuantityReserved < qty {
		return apperr.Conflict("product %s has %d reserved, cannot finalize %d", productID, p.QuantityReserved, qty)
	}
	p.QuantityReserved -= qty
	p.QuantitySold += qty
	t.d.products[productID] = p
	return nil
}

func (t *tx) FinalizePreorder(_ context.Context, productID string, qty int) error {
	p, err := t.product(productID)
	if err != nil {
		return err
	}
	p.QuantityPreordered += qty
	t.d.products[productID] = p
	return nil
}

func (t *tx) AdjustTotal(_ context.Context, productID string, total int) error {
	p, err := t.product(productID)
	if err != nil {
		return err
	}
	if total < 0 || total < p.QuantityReserved+p.QuantitySold {
		return apperr.Conflict("quantity_total %d below reserved+sold %d", total, p.QuantityReserved+p.QuantitySold)
	}
	p.QuantityTotal = total
	t.d.products[productID] = p
	return nil
}

func (t *tx) GetProduct(_ context.Context, shopID, productID string) (orders.Product, error) {
	p, err := t.product(productID)
	if err != nil {
		return p, err
	}
	if shopID != "" && p.ShopID != shopID {
		return orders.Product{}, apperr.NotFound("product %s not found", productID)
	}
	return p, nil
}

func (t *tx) InsertProduct(_ context.Context, p orders.Product) error {
	if err := p.Validate(); err != nil {
		return apperr.Internal(err, "insert product")
	}
	if _, dup := t.d.products[p.ID]; dup {
		return apperr.Conflict("product %s already exists", p.ID)
	}
	t.d.products[p.ID] = p
	return nil
}

func (t *tx) UpdateProduct(ctx context.Context, u orders.ProductUpdate) error {
	p, err := t.GetProduct(ctx, u.ShopID, u.ProductID)
	if err != nil {
		return err
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.SKU != nil {
		p.SKU = *u.SKU
	}
	if u.Price != nil {
		p.Price = *u.Price
	}
	if u.PreorderEnabled != nil {
		p.PreorderEnabled = *u.PreorderEnabled
	}
	if u.PreorderEstimateDays != nil {
		p.PreorderEstimateDays = *u.PreorderEstimateDays
	}
	p.UpdatedAt = u.At
	t.d.products[p.ID] = p
	return nil
}

func (t *tx) DeleteProduct(ctx context.Context, shopID, productID string) error {
	if _, err := t.GetProduct(ctx, shopID, productID); err != nil {
		return err
	}
	for _, o := range t.d.orders {
		for _, it := range o.Items {
			if it.ProductID == productID {
				return apperr.Conflict("product %s is referenced by order %s", productID, o.ID)
			}
		}
	}
	// reservations go with their product
	for id, r := range t.d.reservations {
		if r.ProductID == productID {
			delete(t.d.reservations, id)
			delete(t.d.resSeq, id)
		}
	}
	delete(t.d.products, productID)
	return nil
}

func (t *tx) CountOpenReservations(_ context.Context, productID string) (int, error) {
	n := 0
	for _, r := range t.d.reservations {
		if r.ProductID == productID && r.Status == orders.ReservationActive {
			n++
		}
	}
	for _, o := range t.d.orders {
		for _, it := range o.Items {
			if it.ProductID == productID {
				n++
			}
		}
	}
	return n, nil
}

func (t *tx) InsertReservation(_ context.Context, r orders.Reservation) error {
	if err := r.Validate(); err != nil {
		return apperr.Internal(err, "insert reservation")
	}
	if _, ok := t.d.products[r.ProductID]; !ok {
		return apperr.NotFound("product %s not found", r.ProductID)
	}
	if _, dup := t.d.reservations[r.ID]; dup {
		return apperr.Conflict("reservation %s already exists", r.ID)
	}
	t.d.seq++
	t.d.reservations[r.ID] = r
	t.d.resSeq[r.ID] = t.d.seq
	return nil
}

func (t *tx) GetReservation(_ context.Context, id string) (orders.Reservation, error) {
	r, ok := t.d.reservations[id]
	if !ok {
		return r, apperr.NotFound("reservation %s not found", id)
	}
	return r, nil
}

func (t *tx) TransitionReservation(_ context.Context, tr orders.Transition) (bool, error) {
	r, ok := t.d.reservations[tr.ReservationID]
	if !ok {
		return false, apperr.NotFound("reservation %s not found", tr.ReservationID)
	}
	if r.Status != tr.From {
		return false, nil
	}
	if !tr.NotExpiredAt.IsZero() && r.IsExpired(tr.NotExpiredAt) {
		return false, nil
	}
	r.Status = tr.To
	r.UpdatedAt = tr.At
	t.d.reservations[r.ID] = r
	return true, nil
}

func (t *tx) ListReservations(_ context.Context, f orders.ReservationFilter) ([]orders.Reservation, error) {
	var out []orders.Reservation
	for _, r := range t.d.reservations {
		if r.ShopID != f.ShopID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.HolderID != "" && r.HolderID != f.HolderID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return t.d.resSeq[out[i].ID] > t.d.resSeq[out[j].ID]
	})
	return out, nil
}

func (t *tx) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	var out []orders.Reservation
	for _, r := range t.d.reservations {
		if r.Status == orders.ReservationActive && r.OrderType == orders.OrderTypeNormal && r.IsExpired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	if err := o.Validate(); err != nil {
		return apperr.Internal(err, "insert order")
	}
	for _, existing := range t.d.orders {
		if existing.ReservationID == o.ReservationID {
			return apperr.Conflict("reservation %s already has an order", o.ReservationID)
		}
	}
	r, ok := t.d.reservations[o.ReservationID]
	if !ok {
		return apperr.NotFound("reservation %s not found", o.ReservationID)
	}
	if r.Status != orders.ReservationPurchased {
		return apperr.InvalidState("reservation %s is %s, not purchased", r.ID, r.Status)
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	t.d.seq++
	t.d.orders[o.ID] = o
	t.d.orderSeq[o.ID] = t.d.seq
	return nil
}

func (t *tx) GetOrder(_ context.Context, shopID, orderID string) (orders.Order, error) {
	o, ok := t.d.orders[orderID]
	if !ok || (shopID != "" && o.ShopID != shopID) {
		return orders.Order{}, apperr.NotFound("order %s not found", orderID)
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o, nil
}

func (t *tx) ListOrders(_ context.Context, f orders.OrderFilter) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range t.d.orders {
		if o.ShopID != f.ShopID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.HolderID != "" && o.HolderID != f.HolderID {
			continue
		}
		o.Items = append([]orders.OrderItem(nil), o.Items...)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return t.d.orderSeq[out[i].ID] > t.d.orderSeq[out[j].ID]
	})
	return out, nil
}

func (t *tx) UpdateOrderStatus(_ context.Context, shopID, orderID string, from, to orders.OrderStatus, at time.Time) (bool, error) {
	o, ok := t.d.orders[orderID]
	if !ok || o.ShopID != shopID {
		return false, apperr.NotFound("order %s not found", orderID)
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	t.d.orders[orderID] = o
	return true, nil
}
