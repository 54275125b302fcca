// Package postgres is the shared-database snapshot backend: tenant
// records in a relational table, graph snapshots as JSONB documents.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ringtrade/internal/models"
	"ringtrade/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id    TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	api_key_hash TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_snapshots (
	tenant_id  TEXT PRIMARY KEY REFERENCES tenants(tenant_id) ON DELETE CASCADE,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is a pgx-backed storage.Store.
type Store struct {
	db *pgxpool.Pool
}

// New connects, applies pool settings from the environment and ensures
// the schema exists.
func New(ctx context.Context, dbURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: pool}, nil
}

// SaveTenantRecord upserts the registry entry.
func (s *Store) SaveTenantRecord(ctx context.Context, rec models.TenantRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("tenant record with empty id")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (tenant_id, name, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			api_key_hash = EXCLUDED.api_key_hash`,
		rec.TenantID, rec.Name, rec.APIKeyHash, rec.CreatedAt)
	return err
}

// ListTenantRecords returns every registry entry.
func (s *Store) ListTenantRecords(ctx context.Context) ([]models.TenantRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, name, api_key_hash, created_at
		FROM tenants ORDER BY created_at, tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TenantRecord
	for rows.Next() {
		var rec models.TenantRecord
		if err := rows.Scan(&rec.TenantID, &rec.Name, &rec.APIKeyHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSnapshot upserts a tenant's graph snapshot as JSONB.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID string, snap *models.TenantSnapshot) error {
	if tenantID == "" {
		return fmt.Errorf("snapshot with empty tenant id")
	}
	if snap == nil {
		return fmt.Errorf("nil snapshot for tenant %s", tenantID)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for tenant %s: %w", tenantID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tenant_snapshots (tenant_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			updated_at = now()`,
		tenantID, data)
	return err
}

// LoadSnapshot returns the stored snapshot or storage.ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT snapshot FROM tenant_snapshots WHERE tenant_id = $1`, tenantID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap models.TenantSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for tenant %s: %w", tenantID, err)
	}
	return &snap, nil
}

// DeleteTenant removes the record; the snapshot goes with it via the
// cascade.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, tenantID)
	return err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
