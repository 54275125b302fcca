// Package storage persists tenant registry records and graph snapshots.
// The engine stays storage-agnostic: it produces and consumes
// models.TenantSnapshot values and never sees the backend. The loop
// cache is intentionally not persisted; the background worker rebuilds
// it after a restore.
package storage

import (
	"context"
	"errors"

	"ringtrade/internal/models"
)

// ErrNotFound is returned when a tenant record or snapshot does not
// exist in the backend.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Store is the snapshot/restore boundary. Implementations must be safe
// for concurrent use; the snapshot writer and the admin API both call
// in.
type Store interface {
	// SaveTenantRecord upserts a registry entry.
	SaveTenantRecord(ctx context.Context, rec models.TenantRecord) error
	// ListTenantRecords returns every registry entry, order unspecified.
	ListTenantRecords(ctx context.Context) ([]models.TenantRecord, error)
	// SaveSnapshot upserts a tenant's graph snapshot.
	SaveSnapshot(ctx context.Context, tenantID string, snap *models.TenantSnapshot) error
	// LoadSnapshot returns the stored snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error)
	// DeleteTenant removes the record and snapshot of a tenant.
	DeleteTenant(ctx context.Context, tenantID string) error
	// Close releases backend resources.
	Close() error
}
