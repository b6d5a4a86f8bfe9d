package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/ordertrack/internal/model"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Directory is the read-only lookup over the central tenant metadata store.
// Status is returned as stored; distinguishing inactive from absent is the
// caller's concern.
type Directory struct {
	db DB
}

func NewDirectory(db DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) LookupByRoutingKey(ctx context.Context, routingKey string) (*model.Tenant, error) {
	var (
		t        model.Tenant
		features []byte
	)
	err := d.db.QueryRow(ctx,
		`SELECT id, routing_key, name, database_url, status, features, created_at, updated_at
		 FROM tenants WHERE routing_key = $1`, routingKey,
	).Scan(&t.ID, &t.RoutingKey, &t.Name, &t.DatabaseURL, &t.Status, &features, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NewNotFoundError(routingKey)
	}
	if err != nil {
		return nil, fmt.Errorf("look up tenant %s: %w", routingKey, err)
	}

	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return nil, fmt.Errorf("decode features for tenant %s: %w", routingKey, err)
		}
	}
	return &t, nil
}

func (d *Directory) List(ctx context.Context, limit int, cursor string) ([]model.Tenant, bool, error) {
	query := `SELECT id, routing_key, name, status, features, created_at, updated_at FROM tenants`
	args := []any{}
	argIdx := 1

	if cursor != "" {
		query += fmt.Sprintf(` WHERE routing_key > $%d`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY routing_key`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var (
			t        model.Tenant
			features []byte
		)
		if err := rows.Scan(&t.ID, &t.RoutingKey, &t.Name, &t.Status, &features, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan tenant: %w", err)
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &t.Features); err != nil {
				return nil, false, fmt.Errorf("decode features for tenant %s: %w", t.RoutingKey, err)
			}
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate tenants: %w", err)
	}

	hasMore := len(tenants) > limit
	if hasMore {
		tenants = tenants[:limit]
	}
	return tenants, hasMore, nil
}
