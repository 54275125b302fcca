package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ringtrade/internal/graph"
	"ringtrade/internal/loopcache"
	"ringtrade/internal/models"
	"ringtrade/internal/worker"
)

// dirtyMark records the graph versions at which a wallet was last
// dirtied. version covers any reason; inventory only inventory and
// ownership changes. The map is the staleness authority for cache
// reads: the dirty queue drops markers under backpressure, the map
// never forgets.
type dirtyMark struct {
	version   uint64
	inventory uint64
}

// Tenant is one isolated barter graph with its loop cache and dirty
// queue. mu guards the graph, version counter and dirty map; the cache
// and queue carry their own locks. Lock order: tenant mu before cache
// mutex, never the reverse.
type Tenant struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time

	mu       sync.RWMutex
	graph    *graph.Store
	version  uint64
	dirty    map[string]dirtyMark
	maxDirty uint64

	cache *loopcache.Cache
	queue *worker.Queue

	enumerations atomic.Uint64
}

func newTenant(id, name, keyHash string, now time.Time, opts Options) (*Tenant, error) {
	cache, err := loopcache.New(opts.Limits.MaxLoopsPerTenant, opts.LoopTTL)
	if err != nil {
		return nil, err
	}
	return &Tenant{
		ID:        id,
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: now,
		graph:     graph.NewStore(),
		dirty:     make(map[string]dirtyMark),
		cache:     cache,
		queue:     worker.NewQueue(opts.Limits.MaxQueueDepth),
	}, nil
}

// markDirty stamps wallets at version v. Callers hold the exclusive
// lock. Inventory and ownership reasons additionally advance the
// inventory watermark consulted by loop validation.
func (t *Tenant) markDirty(wallets map[string]worker.Reason, v uint64) {
	for w, reason := range wallets {
		m := t.dirty[w]
		m.version = v
		if reason != worker.ReasonWantsChanged {
			m.inventory = v
		}
		t.dirty[w] = m
	}
	if len(wallets) > 0 && v > t.maxDirty {
		t.maxDirty = v
	}
}

// dirtyVersion reports the last version the wallet was dirtied at, any
// reason. The empty wallet name reports the newest mark tenant-wide,
// which seedless cached answers are judged against. Callers hold at
// least the shared lock.
func (t *Tenant) dirtyVersion(w string) uint64 {
	if w == "" {
		return t.maxDirty
	}
	return t.dirty[w].version
}

// Enumerations counts miss-path discovery builds since creation.
func (t *Tenant) Enumerations() uint64 {
	return t.enumerations.Load()
}

// Info is the redacted admin view.
func (t *Tenant) Info() models.TenantInfo {
	t.mu.RLock()
	gs := t.graph.Stats()
	t.mu.RUnlock()
	return models.TenantInfo{
		TenantID:  t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		Wallets:   gs.Wallets,
		NFTs:      gs.NFTs,
		Loops:     t.cache.Len(),
	}
}

// TenantStats is the per-tenant status payload.
type TenantStats struct {
	TenantID     string          `json:"tenantId"`
	Name         string          `json:"name,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	GraphVersion uint64          `json:"graphVersion"`
	Graph        graph.Stats     `json:"graph"`
	Cache        loopcache.Stats `json:"cache"`
	QueueDepth   int             `json:"queueDepth"`
	QueueDropped uint64          `json:"queueDropped"`
	Enumerations uint64          `json:"enumerations"`
}

// Stats snapshots the tenant counters.
func (t *Tenant) Stats() TenantStats {
	t.mu.RLock()
	version := t.version
	gs := t.graph.Stats()
	t.mu.RUnlock()
	return TenantStats{
		TenantID:     t.ID,
		Name:         t.Name,
		CreatedAt:    t.CreatedAt,
		GraphVersion: version,
		Graph:        gs,
		Cache:        t.cache.Stats(),
		QueueDepth:   t.queue.Len(),
		QueueDropped: t.queue.Dropped(),
		Enumerations: t.enumerations.Load(),
	}
}

// WalletView returns the wallet's inventory and wants for the read API.
func (t *Tenant) WalletView(walletID string) (models.WalletView, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.graph.Wallet(walletID)
	if !ok {
		return models.WalletView{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	view := models.WalletView{
		WalletID:          walletID,
		Inventory:         sortedSet(w.Inventory),
		WantedNFTs:        sortedSet(w.Wants),
		WantedCollections: sortedSet(w.CollectionWants),
		LastActivity:      w.LastActivity,
	}
	return view, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
