package httpx

import (
	"context"
	"net/http"
	"testing"

	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditRows struct{ rows []orders.AuditLog }

func (a *auditRows) Insert(_ context.Context, l orders.AuditLog) (bool, error) {
	a.rows = append(a.rows, l)
	return true, nil
}

func (a *auditRows) ListByResource(_ context.Context, resourceType, resourceID string, _ int) ([]orders.AuditLog, error) {
	var out []orders.AuditLog
	for _, l := range a.rows {
		if l.ResourceType == resourceType && l.ResourceID == resourceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestAuditTrailEmptyIsArray(t *testing.T) {
	api := newTestAPI(t)
	var out []orders.AuditLog
	code := api.do(t, http.MethodGet, "/audit/reservation/r-1", nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
