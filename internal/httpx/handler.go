package httpx

import (
	"github.com/ariefcatur/go-shop-reservations/internal/audit"
	"github.com/ariefcatur/go-shop-reservations/internal/catalog"
	"github.com/ariefcatur/go-shop-reservations/internal/fulfillment"
	"github.com/ariefcatur/go-shop-reservations/internal/reservation"
	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler exposes the services over HTTP. Subscriptions and Audit are optional;
// their routes are only mounted when set.
type Handler struct {
	Reservations  *reservation.Service
	Orders        *fulfillment.Service
	Catalog       *catalog.Service
	Subscriptions *subscription.Gate
	Audit         *audit.Service
	Log           *zap.Logger
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/check", h.checkReservation)
		r.Post("/cancel", h.cancelReservation)
		r.Get("/list", h.listReservations)
		r.Get("/{id}", h.getReservation)
	})
	r.Route("/orders", func(r chi.Router) {
		r.Post("/confirm", h.confirmOrder)
		r.Get("/list", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Put("/{id}/status", h.updateOrderStatus)
	})
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.createProduct)
		r.Put("/{id}", h.updateProduct)
		r.Delete("/{id}", h.deleteProduct)
		r.Get("/{id}/availability", h.productAvailability)
	})
	if h.Subscriptions != nil {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.subscribe)
			r.Get("/{shop_id}/{channel}", h.subscriptionStatus)
			r.Delete("/{shop_id}/{channel}", h.unsubscribe)
		})
	}
	if h.Audit != nil {
		r.Get("/audit/{resource_type}/{resource_id}", h.auditTrail)
	}
}
