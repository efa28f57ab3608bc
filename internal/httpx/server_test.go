package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/audit"
	"github.com/ariefcatur/go-shop-reservations/internal/catalog"
	"github.com/ariefcatur/go-shop-reservations/internal/fulfillment"
	"github.com/ariefcatur/go-shop-reservations/internal/guard"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/memstore"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/reservation"
	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	srv   *httptest.Server
	clock clockwork.FakeClock
	bus   *kafkax.Recorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New()
	bus := &kafkax.Recorder{}
	m := metrics.New()
	g := guard.NewMemory(clock, time.Minute)
	gate := &subscription.Gate{Repo: &subscription.MemoryRepo{}, Cache: &subscription.MemoryCache{}, Clock: clock, Log: log}

	h := &Handler{
		Reservations:  &reservation.Service{Store: store, Clock: clock, Guard: g, Publisher: bus, Metrics: m, Log: log, Producer: "shop-api"},
		Orders:        &fulfillment.Service{Store: store, Clock: clock, Guard: g, Publisher: bus, Metrics: m, Log: log, Producer: "shop-api"},
		Catalog:       &catalog.Service{Store: store, Gate: gate, Clock: clock, Publisher: bus, Log: log, Producer: "shop-api"},
		Subscriptions: gate,
		Audit:         &audit.Service{Store: &auditRows{}, Log: log},
		Log:           log,
	}
	r := NewRouter(log, m)
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, clock: clock, bus: bus}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestReserveAndConfirmOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	code := api.do(t, http.MethodPost, "/subscriptions", map[string]string{
		"shop_id": "shop-1", "channel": "website", "plan_type": "monthly",
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	var product struct {
		ID string `json:"id"`
	}
	code = api.do(t, http.MethodPost, "/products", map[string]any{
		"shop_id": "shop-1", "name": "Linen Tote", "price": "19.90", "quantity_total": 1,
	}, &product)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, product.ID)

	var check reservation.CheckResult
	code = api.do(t, http.MethodPost, "/reservations/check", map[string]any{
		"shop_id": "shop-1", "product_id": product.ID, "holder_id": "session-1",
	}, &check)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, check.Available)
	assert.Equal(t, reservation.OutcomeNormal, check.Type)

	var second reservation.CheckResult
	api.do(t, http.MethodPost, "/reservations/check", map[string]any{
		"shop_id": "shop-1", "product_id": product.ID, "holder_id": "session-2",
	}, &second)
	assert.Equal(t, reservation.OutcomeUnavailable, second.Type)

	var confirmed fulfillment.ConfirmResult
	code = api.do(t, http.MethodPost, "/orders/confirm", map[string]any{
		"reservation_id": check.ReservationID, "holder_id": "session-1",
		"items": []map[string]any{{"product_id": product.ID, "quantity": 1, "price": "19.90"}},
	}, &confirmed)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, confirmed.Success)
	assert.Equal(t, "19.9", confirmed.Order.TotalAmount.String())

	var again errorBody
	code = api.do(t, http.MethodPost, "/orders/confirm", map[string]any{
		"reservation_id": check.ReservationID, "holder_id": "session-1",
		"items": []map[string]any{{"product_id": product.ID, "quantity": 1, "price": "19.90"}},
	}, &again)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperr.KindInvalidState, again.Code)

	var av catalog.Availability
	code = api.do(t, http.MethodGet, "/products/"+product.ID+"/availability?shop_id=shop-1", nil, &av)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, av.Sold)
	assert.Equal(t, 0, av.Available)

	var shipped struct {
		Status string `json:"status"`
	}
	code = api.do(t, http.MethodPut, "/orders/"+confirmed.OrderID+"/status", map[string]string{
		"shop_id": "shop-1", "status": "shipped",
	}, &shipped)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "shipped", shipped.Status)

	var list []json.RawMessage
	code = api.do(t, http.MethodGet, "/orders/list?shop_id=shop-1", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)

	code = api.do(t, http.MethodGet, "/orders/"+confirmed.OrderID+"?shop_id=shop-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	var body errorBody
	code := api.do(t, http.MethodPost, "/reservations/check", map[string]any{"shop_id": "shop-1"}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperr.KindValidation, body.Code)
	assert.Equal(t, "required", body.Fields["product_id"])

	code = api.do(t, http.MethodGet, "/reservations/nope", nil, &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apperr.KindNotFound, body.Code)

	code = api.do(t, http.MethodPost, "/products", map[string]any{"shop_id": "shop-unpaid", "name": "Pin"}, &body)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperr.KindForbidden, body.Code)

	code = api.do(t, http.MethodGet, "/reservations/list", nil, &body)
	assert.Equal(t, http.StatusBadRequest, code)

	code = api.do(t, http.MethodGet, "/audit/order/o-1?limit=9999", nil, &body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExpiredHoldIsGone(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/subscriptions", map[string]string{
		"shop_id": "shop-1", "channel": "website", "plan_type": "yearly",
	}, nil))
	var product struct {
		ID string `json:"id"`
	}
	api.do(t, http.MethodPost, "/products", map[string]any{"shop_id": "shop-1", "name": "Mug", "quantity_total": 2}, &product)
	var check reservation.CheckResult
	api.do(t, http.MethodPost, "/reservations/check", map[string]any{
		"shop_id": "shop-1", "product_id": product.ID, "holder_id": "session-1",
	}, &check)

	api.clock.Advance(11 * time.Minute)

	var body errorBody
	code := api.do(t, http.MethodPost, "/orders/confirm", map[string]any{
		"reservation_id": check.ReservationID, "holder_id": "session-1",
		"items": []map[string]any{{"product_id": product.ID, "quantity": 1, "price": 5}},
	}, &body)
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, apperr.KindExpired, body.Code)
}

func TestInternalErrorsStayPrivate(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeError(rec, req, zap.NewNop(), apperr.Internal(errors.New("pq: password authentication failed"), "load product"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Get(api.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	// the counter is bumped once the handler returns; poll rather than race it
	assert.Eventually(t, func() bool {
		resp, err := http.Get(api.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return strings.Contains(buf.String(), `shop_http_requests_total{code="200",route="/healthz"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}
