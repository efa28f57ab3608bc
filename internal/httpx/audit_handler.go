package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, h.Log, apperr.Validation("invalid request", map[string]string{"limit": "range"}))
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Audit.List(ctx, chi.URLParam(r, "resource_type"), chi.URLParam(r, "resource_id"), limit)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
