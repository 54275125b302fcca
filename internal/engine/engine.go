package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ringtrade/internal/eventbus"
	"ringtrade/internal/models"
	"ringtrade/internal/trade"
	"ringtrade/internal/worker"
)

// Limits caps per-tenant and process-wide resource usage. Exceeding a
// cap fails the offending mutation with ErrResourceExhausted; the loop
// cache and dirty queue instead shed load (LRU eviction, oldest-marker
// drop) without erroring.
type Limits struct {
	MaxTenants          int
	MaxWalletsPerTenant int
	MaxNFTsPerTenant    int
	MaxLoopsPerTenant   int
	MaxQueueDepth       int
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTenants:          1000,
		MaxWalletsPerTenant: 100000,
		MaxNFTsPerTenant:    500000,
		MaxLoopsPerTenant:   10000,
		MaxQueueDepth:       10000,
	}
}

// Options configures an Engine.
type Options struct {
	Limits Limits
	Scorer trade.ScorerConfig
	// LoopTTL is how long a discovered loop stays valid in the cache
	// and in client responses.
	LoopTTL time.Duration
	// DefaultTimeout bounds a discovery query that names no timeoutMs.
	DefaultTimeout time.Duration
	// MaxTimeout clamps client-supplied timeouts.
	MaxTimeout time.Duration
	// WorkerPoolSize is the number of background discovery workers
	// shared across tenants.
	WorkerPoolSize int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Limits:         DefaultLimits(),
		Scorer:         trade.DefaultScorerConfig(),
		LoopTTL:        15 * time.Minute,
		DefaultTimeout: 500 * time.Millisecond,
		MaxTimeout:     2 * time.Second,
		WorkerPoolSize: runtime.NumCPU(),
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Limits.MaxTenants <= 0 {
		o.Limits.MaxTenants = def.Limits.MaxTenants
	}
	if o.Limits.MaxWalletsPerTenant <= 0 {
		o.Limits.MaxWalletsPerTenant = def.Limits.MaxWalletsPerTenant
	}
	if o.Limits.MaxNFTsPerTenant <= 0 {
		o.Limits.MaxNFTsPerTenant = def.Limits.MaxNFTsPerTenant
	}
	if o.Limits.MaxLoopsPerTenant <= 0 {
		o.Limits.MaxLoopsPerTenant = def.Limits.MaxLoopsPerTenant
	}
	if o.Limits.MaxQueueDepth <= 0 {
		o.Limits.MaxQueueDepth = def.Limits.MaxQueueDepth
	}
	if o.Scorer.Weights == (trade.Weights{}) {
		o.Scorer.Weights = trade.DefaultWeights()
	}
	if o.LoopTTL <= 0 {
		o.LoopTTL = def.LoopTTL
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = def.DefaultTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = def.MaxTimeout
	}
	if o.MaxTimeout < o.DefaultTimeout {
		o.MaxTimeout = o.DefaultTimeout
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = def.WorkerPoolSize
	}
	return o
}

// Engine owns every tenant: graph, loop cache, dirty queue, plus the
// shared scorer, worker pool and event bus. It is the single root the
// API layer talks to.
type Engine struct {
	opts      Options
	scorer    *trade.Scorer
	bus       *eventbus.Bus
	pool      *worker.Pool
	startedAt time.Time

	mu      sync.RWMutex
	tenants map[string]*Tenant
	byKey   map[string]string // api key hash -> tenant id
}

// New builds an Engine. The bus may be shared with other subscribers;
// the engine only publishes.
func New(opts Options, bus *eventbus.Bus) (*Engine, error) {
	opts = opts.normalized()
	scorer, err := trade.NewScorer(opts.Scorer)
	if err != nil {
		return nil, fmt.Errorf("%w: scorer: %s", ErrValidation, err)
	}
	e := &Engine{
		opts:      opts,
		scorer:    scorer,
		bus:       bus,
		startedAt: time.Now(),
		tenants:   make(map[string]*Tenant),
		byKey:     make(map[string]string),
	}
	e.pool = worker.NewPool(opts.WorkerPoolSize, e.drainWallet)
	return e, nil
}

// Close stops the background workers, draining in-flight runs.
func (e *Engine) Close() {
	e.pool.StopWait()
}

// HashKey is the one-way derivation stored for API keys.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateTenant mints a tenant with a fresh API key. The key is returned
// exactly once; only its hash is retained.
func (e *Engine) CreateTenant(name string) (*models.CreateTenantResponse, error) {
	id := uuid.NewString()
	key := uuid.NewString()
	now := time.Now()

	t, err := newTenant(id, name, HashKey(key), now, e.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	e.mu.Lock()
	if len(e.tenants) >= e.opts.Limits.MaxTenants {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: tenant cap %d reached", ErrResourceExhausted, e.opts.Limits.MaxTenants)
	}
	e.tenants[id] = t
	e.byKey[t.KeyHash] = id
	e.mu.Unlock()

	e.pool.Register(id, t.queue)
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeTenantCreated,
		TenantID:  id,
		Timestamp: now,
		Data:      models.TenantInfo{TenantID: id, Name: name, CreatedAt: now},
	})
	log.Printf("[engine] tenant %s created", id)
	return &models.CreateTenantResponse{TenantID: id, Name: name, APIKey: key, CreatedAt: now}, nil
}

// RestoreTenant re-registers a persisted tenant and rebuilds its graph
// from the snapshot. Every wallet with wants is marked dirty so the
// background worker rebuilds the loop cache, which is never persisted.
func (e *Engine) RestoreTenant(rec models.TenantRecord, snap *models.TenantSnapshot) error {
	t, err := newTenant(rec.TenantID, rec.Name, rec.APIKeyHash, rec.CreatedAt, e.opts)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}
	if snap != nil {
		if err := t.graph.Restore(snap); err != nil {
			return fmt.Errorf("%w: tenant %s snapshot: %s", ErrValidation, rec.TenantID, err)
		}
	}

	e.mu.Lock()
	if len(e.tenants) >= e.opts.Limits.MaxTenants {
		e.mu.Unlock()
		return fmt.Errorf("%w: tenant cap %d reached", ErrResourceExhausted, e.opts.Limits.MaxTenants)
	}
	if _, exists := e.tenants[rec.TenantID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: tenant %s already registered", ErrValidation, rec.TenantID)
	}
	e.tenants[rec.TenantID] = t
	e.byKey[rec.APIKeyHash] = rec.TenantID
	e.mu.Unlock()

	e.pool.Register(rec.TenantID, t.queue)
	if snap != nil {
		now := time.Now()
		warmed := 0
		for id, w := range snap.Wallets {
			if len(w.Wants) > 0 || len(w.CollectionWants) > 0 {
				t.queue.Mark(id, worker.ReasonWantsChanged, 0, now)
				warmed++
			}
		}
		e.pool.Wake(rec.TenantID)
		log.Printf("[engine] tenant %s restored: %d wallets, %d nfts, %d queued for rediscovery",
			rec.TenantID, len(snap.Wallets), len(snap.NFTs), warmed)
	}
	return nil
}

// DeleteTenant drops a tenant and releases everything it owns.
func (e *Engine) DeleteTenant(id string) error {
	e.mu.Lock()
	t, ok := e.tenants[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	delete(e.tenants, id)
	delete(e.byKey, t.KeyHash)
	e.mu.Unlock()

	e.pool.Unregister(id)
	t.cache.Purge()
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeTenantDeleted,
		TenantID:  id,
		Timestamp: time.Now(),
	})
	log.Printf("[engine] tenant %s deleted", id)
	return nil
}

// Tenant resolves a tenant id.
func (e *Engine) Tenant(id string) (*Tenant, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// ResolveKey maps a raw API key to its tenant.
func (e *Engine) ResolveKey(key string) (*Tenant, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrUnauthorized)
	}
	h := HashKey(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byKey[h]
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	return e.tenants[id], nil
}

// ListTenants returns the redacted registry, sorted by creation time
// then id.
func (e *Engine) ListTenants() []models.TenantInfo {
	e.mu.RLock()
	tenants := make([]*Tenant, 0, len(e.tenants))
	for _, t := range e.tenants {
		tenants = append(tenants, t)
	}
	e.mu.RUnlock()

	out := make([]models.TenantInfo, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

// Records returns the persistable registry entries.
func (e *Engine) Records() []models.TenantRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.TenantRecord, 0, len(e.tenants))
	for _, t := range e.tenants {
		out = append(out, models.TenantRecord{
			TenantID:   t.ID,
			Name:       t.Name,
			APIKeyHash: t.KeyHash,
			CreatedAt:  t.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// SnapshotTenant captures a consistent persisted view of the graph.
func (e *Engine) SnapshotTenant(id string) (*models.TenantSnapshot, error) {
	t, err := e.Tenant(id)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.graph.Snapshot(), nil
}

// Sweep expires cache entries across all tenants. Called periodically
// by the server's sweeper goroutine.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.RLock()
	tenants := make([]*Tenant, 0, len(e.tenants))
	for _, t := range e.tenants {
		tenants = append(tenants, t)
	}
	e.mu.RUnlock()

	total := 0
	for _, t := range tenants {
		total += t.cache.Sweep(now)
	}
	return total
}

// Stats summarises the whole engine for the status endpoint.
type Stats struct {
	Tenants       int       `json:"tenants"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
}

// Stats reports process-level counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.tenants)
	e.mu.RUnlock()
	return Stats{
		Tenants:       n,
		StartedAt:     e.startedAt,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}
}

// drainWallet is the worker pool's DrainFunc: drop the wallet's cached
// loops, then re-discover with default settings to re-warm the cache.
func (e *Engine) drainWallet(tenantID string, m worker.Marker) {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	t.cache.Invalidate(m.Wallet)

	_, err := e.Discover(context.Background(), tenantID, m.Wallet, "", nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("[worker] tenant %s: rediscover %s: %v", tenantID, m.Wallet, err)
	}
}
