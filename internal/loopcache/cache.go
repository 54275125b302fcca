package loopcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"ringtrade/internal/trade"
)

// Entry is one cached loop. Loops are immutable once cached; callers
// must not modify what Get hands back.
type Entry struct {
	Loop         *trade.Loop
	InsertedAt   time.Time
	GraphVersion uint64
	Seeds        map[string]struct{}
}

// resultSet remembers the ordered answer of one (seed, settings) query.
// A seed dirtied past version retires the whole set; member entries
// carry their own per-wallet staleness on top.
type resultSet struct {
	seeds        []string
	fingerprints []string
	version      uint64
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries    int    `json:"entries"`
	ResultSets int    `json:"resultSets"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

// BuildResult is what one coalesced miss-path build produces.
type BuildResult struct {
	Loops     []*trade.Loop
	Truncated bool
	Version   uint64
}

// Cache is a per-tenant loop cache: an LRU keyed by fingerprint with
// wallet and NFT indices for invalidation, per-query result sets, and a
// singleflight group that guarantees at most one concurrent build per
// query key. It has its own mutex, independent of the tenant graph
// lock; the documented lock order is graph lock before cache lock.
type Cache struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, *Entry]
	byWallet   map[string]map[string]struct{}
	byNFT      map[string]map[string]struct{}
	resultSets map[string]*resultSet
	ttl        time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	flight singleflight.Group
}

// New builds a cache holding at most capacity loops, each living for
// ttl unless refreshed.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %v", ttl)
	}
	c := &Cache{
		byWallet:   make(map[string]map[string]struct{}),
		byNFT:      make(map[string]map[string]struct{}),
		resultSets: make(map[string]*resultSet),
		ttl:        ttl,
	}
	entries, err := lru.NewWithEvict[string, *Entry](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// onEvict runs under c.mu for every removal, LRU or explicit, and
// unlinks the secondary indices.
func (c *Cache) onEvict(fp string, e *Entry) {
	c.evictions++
	for _, w := range e.Loop.Wallets() {
		dropIndex(c.byWallet, w, fp)
	}
	for _, n := range e.Loop.NFTs() {
		dropIndex(c.byNFT, n, fp)
	}
}

// Get returns the recorded answer for a query key when it is still
// live: the set must postdate its seeds' last dirtying, and every
// member entry must be present, unexpired, and not referencing a wallet
// dirtied after the entry's graph version. Anything stale drops the
// whole result set and reports a miss.
func (c *Cache) Get(queryKey string, now time.Time, dirtyVersion func(wallet string) uint64) ([]*trade.Loop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.resultSets[queryKey]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.setStale(rs, dirtyVersion) {
		delete(c.resultSets, queryKey)
		c.misses++
		return nil, false
	}

	loops := make([]*trade.Loop, 0, len(rs.fingerprints))
	for _, fp := range rs.fingerprints {
		e, ok := c.entries.Get(fp)
		if !ok || now.After(e.Loop.ExpiresAt) || !c.fresh(e, dirtyVersion) {
			delete(c.resultSets, queryKey)
			c.misses++
			return nil, false
		}
		loops = append(loops, e.Loop)
	}
	c.hits++
	return loops, true
}

func (c *Cache) fresh(e *Entry, dirtyVersion func(wallet string) uint64) bool {
	if dirtyVersion == nil {
		return true
	}
	for _, w := range e.Loop.Wallets() {
		if dirtyVersion(w) > e.GraphVersion {
			return false
		}
	}
	return true
}

// setStale reports whether the set as a whole predates its seeds' last
// dirtying. This check is what retires a cached empty answer; the
// member walk above never sees it. A set recorded without seeds answers
// for the whole graph and consults the empty wallet name, which callers
// map to their newest mark.
func (c *Cache) setStale(rs *resultSet, dirtyVersion func(wallet string) uint64) bool {
	if dirtyVersion == nil {
		return false
	}
	if len(rs.seeds) == 0 {
		return dirtyVersion("") > rs.version
	}
	for _, s := range rs.seeds {
		if dirtyVersion(s) > rs.version {
			return true
		}
	}
	return false
}

// Put upserts the loops under the given graph version. Existing
// fingerprints get their TTL refreshed and seeds merged. A non-empty
// queryKey additionally records the ordered answer for Get; complete
// builds pass it, truncated ones leave it empty.
func (c *Cache) Put(loops []*trade.Loop, seeds []string, queryKey string, version uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fps := make([]string, 0, len(loops))
	for _, l := range loops {
		fps = append(fps, l.ID)
		if e, ok := c.entries.Get(l.ID); ok {
			// Swap the loop pointer rather than mutating it; earlier
			// Get callers may still be reading the old one.
			l.CreatedAt = e.Loop.CreatedAt
			l.ExpiresAt = now.Add(c.ttl)
			e.Loop = l
			if version > e.GraphVersion {
				e.GraphVersion = version
			}
			for _, s := range seeds {
				e.Seeds[s] = struct{}{}
			}
			continue
		}

		l.ExpiresAt = now.Add(c.ttl)
		e := &Entry{
			Loop:         l,
			InsertedAt:   now,
			GraphVersion: version,
			Seeds:        make(map[string]struct{}, len(seeds)),
		}
		for _, s := range seeds {
			e.Seeds[s] = struct{}{}
		}
		for _, w := range l.Wallets() {
			addIndex(c.byWallet, w, l.ID)
		}
		for _, n := range l.NFTs() {
			addIndex(c.byNFT, n, l.ID)
		}
		c.entries.Add(l.ID, e)
	}

	if queryKey != "" {
		c.resultSets[queryKey] = &resultSet{seeds: seeds, fingerprints: fps, version: version}
	}
}

// PutResult records the ordered answer for a query key over
// fingerprints already inserted with Put. seeds are the wallets the
// query was rooted at; Get retires the set once any of them is dirtied
// past version, or on its own if any fingerprint later disappears.
func (c *Cache) PutResult(queryKey string, seeds, fps []string, version uint64) {
	if queryKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultSets[queryKey] = &resultSet{seeds: seeds, fingerprints: fps, version: version}
}

// Contains reports whether a fingerprint is cached. Used for the
// novelty sub-score; it does not touch recency.
func (c *Cache) Contains(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(fp)
}

// Invalidate removes every entry touching the wallet and returns how
// many were dropped.
func (c *Cache) Invalidate(wallet string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeAll(c.byWallet[wallet])
}

// InvalidateNFT removes every entry carrying the NFT.
func (c *Cache) InvalidateNFT(nft string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeAll(c.byNFT[nft])
}

func (c *Cache) removeAll(fps map[string]struct{}) int {
	removed := 0
	keys := make([]string, 0, len(fps))
	for fp := range fps {
		keys = append(keys, fp)
	}
	for _, fp := range keys {
		if c.entries.Remove(fp) {
			removed++
		}
	}
	return removed
}

// Sweep drops expired entries and result sets referencing dead
// fingerprints. Idempotent; returns the number of expired entries.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, fp := range c.entries.Keys() {
		if e, ok := c.entries.Peek(fp); ok && now.After(e.Loop.ExpiresAt) {
			c.entries.Remove(fp)
			expired++
		}
	}
	for key, rs := range c.resultSets {
		for _, fp := range rs.fingerprints {
			if !c.entries.Contains(fp) {
				delete(c.resultSets, key)
				break
			}
		}
	}
	return expired
}

// Coalesce funnels concurrent builds of the same query key into one
// execution; followers receive the leader's result. The build keeps
// running when a waiter's context expires, so later followers still get
// its result. The second return reports whether the result was shared
// with other callers.
func (c *Cache) Coalesce(ctx context.Context, key string, build func() (*BuildResult, error)) (*BuildResult, bool, error) {
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		return build()
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*BuildResult), res.Shared, nil
	}
}

// Len returns the number of cached loops.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.resultSets = make(map[string]*resultSet)
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.entries.Len(),
		ResultSets: len(c.resultSets),
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

func addIndex(idx map[string]map[string]struct{}, key, fp string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[fp] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, fp string) {
	if set, ok := idx[key]; ok {
		delete(set, fp)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
