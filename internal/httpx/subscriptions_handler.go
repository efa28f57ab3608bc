package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscription.SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s, err := h.Subscriptions.Subscribe(ctx, req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	shopID, channel := chi.URLParam(r, "shop_id"), chi.URLParam(r, "channel")
	active, err := h.Subscriptions.IsActive(ctx, shopID, channel)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shop_id": shopID, "channel": channel, "active": active})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Subscriptions.Cancel(ctx, chi.URLParam(r, "shop_id"), chi.URLParam(r, "channel")); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
