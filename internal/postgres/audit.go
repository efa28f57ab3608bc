package postgres

import (
	"context"

	"github.com/ariefcatur/go-shop-reservations/internal/apperr"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepo struct{ DB *pgxpool.Pool }

// Insert is idempotent on event_id; it reports whether a row was written.
func (r *AuditRepo) Insert(ctx context.Context, l orders.AuditLog) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO audit_logs(id, event_id, action, holder_id, resource_type, resource_id, shop_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO NOTHING`,
		l.ID, l.EventID, l.Action, l.HolderID, l.ResourceType, l.ResourceID, l.ShopID, l.Metadata, l.CreatedAt)
	if err != nil {
		return false, apperr.Internal(err, "insert audit log")
	}
	return ct.RowsAffected() == 1, nil
}

func (r *AuditRepo) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]orders.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, event_id, action, holder_id, resource_type, resource_id, shop_id, metadata, created_at
		FROM audit_logs WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "list audit logs")
	}
	defer rows.Close()

	var out []orders.AuditLog
	for rows.Next() {
		var l orders.AuditLog
		if err := rows.Scan(&l.ID, &l.EventID, &l.Action, &l.HolderID, &l.ResourceType, &l.ResourceID,
			&l.ShopID, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, apperr.Internal(err, "scan audit log")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
