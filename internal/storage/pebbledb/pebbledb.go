// Package pebbledb is the embedded snapshot backend: a single Pebble
// database under DATA_DIR holding tenant records and graph snapshots as
// JSON values.
package pebbledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"ringtrade/internal/models"
	"ringtrade/internal/storage"
)

// Key layout. The 0xff sentinel upper-bounds prefix scans without
// assuming anything about id bytes.
const (
	tenantPrefix   = "tenant/"
	snapshotPrefix = "snapshot/"
)

// Store is a Pebble-backed storage.Store.
type Store struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open creates or opens the database directory.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func tenantKey(id string) []byte   { return []byte(tenantPrefix + id) }
func snapshotKey(id string) []byte { return []byte(snapshotPrefix + id) }

func (s *Store) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return storage.ErrClosed
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Store) get(key []byte, out interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return storage.ErrClosed
	}
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

// SaveTenantRecord upserts the registry entry.
func (s *Store) SaveTenantRecord(ctx context.Context, rec models.TenantRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("tenant record with empty id")
	}
	return s.put(tenantKey(rec.TenantID), rec)
}

// ListTenantRecords scans the tenant prefix.
func (s *Store) ListTenantRecords(ctx context.Context) ([]models.TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(tenantPrefix),
		UpperBound: []byte(tenantPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.TenantRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec models.TenantRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// SaveSnapshot upserts a tenant's graph snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID string, snap *models.TenantSnapshot) error {
	if tenantID == "" {
		return fmt.Errorf("snapshot with empty tenant id")
	}
	if snap == nil {
		return fmt.Errorf("nil snapshot for tenant %s", tenantID)
	}
	return s.put(snapshotKey(tenantID), snap)
}

// LoadSnapshot returns the stored snapshot or storage.ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error) {
	var snap models.TenantSnapshot
	if err := s.get(snapshotKey(tenantID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteTenant drops the record and snapshot in one batch.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return storage.ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(tenantKey(tenantID), nil); err != nil {
		return err
	}
	if err := batch.Delete(snapshotKey(tenantID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Close flushes and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
