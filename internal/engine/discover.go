package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"ringtrade/internal/cycles"
	"ringtrade/internal/eventbus"
	"ringtrade/internal/loopcache"
	"ringtrade/internal/models"
	"ringtrade/internal/trade"
)

// Query bounds, per the public API contract.
const (
	MinQueryDepth        = 2
	MaxQueryDepth        = cycles.HardMaxLength
	DefaultQueryDepth    = 5
	DefaultMinEfficiency = 0.6
	DefaultMaxResults    = 100
	MaxResultsCap        = 500
)

// waitGrace lets coalesced waiters outlive the build deadline just long
// enough to collect a result that lands right at it.
const waitGrace = 25 * time.Millisecond

// DiscoverResult is one answered discovery query.
type DiscoverResult struct {
	Loops     []*trade.Loop
	Truncated bool
	FromCache bool
}

// querySpec is a discovery query in canonical form.
type querySpec struct {
	wallet      string
	nft         string
	maxDepth    int
	minEff      float64
	collections bool
	maxResults  int
	timeout     time.Duration
}

func (e *Engine) normalizeQuery(walletID, nftID string, s *models.DiscoverSettings) (querySpec, error) {
	q := querySpec{
		wallet:      walletID,
		nft:         nftID,
		maxDepth:    DefaultQueryDepth,
		minEff:      DefaultMinEfficiency,
		collections: true,
		maxResults:  DefaultMaxResults,
		timeout:     e.opts.DefaultTimeout,
	}
	if q.nft != "" && q.wallet == "" {
		return q, fmt.Errorf("%w: nftId requires walletId", ErrValidation)
	}
	if s == nil {
		return q, nil
	}
	if s.MaxDepth != 0 {
		if s.MaxDepth < MinQueryDepth || s.MaxDepth > MaxQueryDepth {
			return q, fmt.Errorf("%w: maxDepth %d out of range [%d,%d]", ErrValidation, s.MaxDepth, MinQueryDepth, MaxQueryDepth)
		}
		q.maxDepth = s.MaxDepth
	}
	if s.MinEfficiency != 0 {
		if s.MinEfficiency < 0 || s.MinEfficiency > 1 {
			return q, fmt.Errorf("%w: minEfficiency %v out of range [0,1]", ErrValidation, s.MinEfficiency)
		}
		q.minEff = s.MinEfficiency
	}
	if s.ConsiderCollections != nil {
		q.collections = *s.ConsiderCollections
	}
	if s.MaxResults != 0 {
		if s.MaxResults < 0 {
			return q, fmt.Errorf("%w: maxResults must be positive", ErrValidation)
		}
		q.maxResults = s.MaxResults
		if q.maxResults > MaxResultsCap {
			q.maxResults = MaxResultsCap
		}
	}
	if s.TimeoutMs != 0 {
		if s.TimeoutMs < 0 {
			return q, fmt.Errorf("%w: timeoutMs must be positive", ErrValidation)
		}
		q.timeout = time.Duration(s.TimeoutMs) * time.Millisecond
		if q.timeout > e.opts.MaxTimeout {
			q.timeout = e.opts.MaxTimeout
		}
	}
	return q, nil
}

// key is the canonical cache key: seed plus every setting that shapes
// the answer. The timeout only bounds work, so it stays out.
func (q querySpec) key() string {
	seed := q.wallet
	if seed == "" {
		seed = "*"
	}
	if q.nft != "" {
		seed += "#" + q.nft
	}
	return fmt.Sprintf("%s|d%d|e%.4f|c%t|r%d", seed, q.maxDepth, q.minEff, q.collections, q.maxResults)
}

// matches reports whether a scored loop belongs in this query's answer:
// above the efficiency floor, containing the seed wallet, and, when an
// NFT is named, delivering that NFT to the seed.
func (q querySpec) matches(l *trade.Loop) bool {
	if l.Score < q.minEff {
		return false
	}
	if q.wallet == "" {
		return true
	}
	for _, s := range l.Steps {
		if q.nft != "" {
			if s.To == q.wallet && s.NFT == q.nft {
				return true
			}
		} else if s.From == q.wallet {
			return true
		}
	}
	return false
}

// Discover answers one trade-loop query. A cache hit returns the
// recorded answer; a miss runs the enumeration pipeline, coalescing
// concurrent identical queries into a single build. An empty walletID
// runs tenant-wide (background use). Expired budgets return partial
// results with Truncated set; they are not errors.
func (e *Engine) Discover(ctx context.Context, tenantID, walletID, nftID string, settings *models.DiscoverSettings) (*DiscoverResult, error) {
	t, err := e.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	q, err := e.normalizeQuery(walletID, nftID, settings)
	if err != nil {
		return nil, err
	}
	key := q.key()

	t.mu.RLock()
	if q.wallet != "" {
		if _, ok := t.graph.Wallet(q.wallet); !ok {
			t.mu.RUnlock()
			return nil, fmt.Errorf("wallet %s: %w", q.wallet, ErrNotFound)
		}
	}
	loops, hit := t.cache.Get(key, time.Now(), t.dirtyVersion)
	t.mu.RUnlock()
	if hit {
		return &DiscoverResult{Loops: clip(loops, q.maxResults), FromCache: true}, nil
	}

	// The build runs detached from the caller, bounded by the query
	// timeout, so coalesced followers get its result even if the leader
	// departs. The waiter stops at its own budget regardless.
	waitCtx, cancel := context.WithTimeout(ctx, q.timeout+waitGrace)
	defer cancel()
	res, _, err := t.cache.Coalesce(waitCtx, key, func() (*loopcache.BuildResult, error) {
		return e.runBuild(t, q, key), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &DiscoverResult{Truncated: true}, nil
	}
	return &DiscoverResult{Loops: clip(res.Loops, q.maxResults), Truncated: res.Truncated}, nil
}

// runBuild executes the miss path and publishes newly discovered loops.
func (e *Engine) runBuild(t *Tenant, q querySpec, key string) *loopcache.BuildResult {
	res, fresh := e.enumerate(t, q, key)
	for _, l := range fresh {
		e.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeLoopDiscovered,
			TenantID:  t.ID,
			Timestamp: l.CreatedAt,
			Data:      LoopPayload(l),
		})
	}
	return res
}

// enumerate runs neighborhood -> SCC -> cycle enumeration -> validation
// -> scoring under the tenant shared lock and records the answer in the
// cache. It returns the build plus the loops not previously cached.
func (e *Engine) enumerate(t *Tenant, q querySpec, key string) (*loopcache.BuildResult, []*trade.Loop) {
	buildCtx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	deadline, _ := buildCtx.Deadline()
	now := time.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	version := t.version
	t.enumerations.Add(1)

	var hood []string
	if q.wallet == "" {
		hood = t.graph.AllWallets()
	} else {
		hood = t.graph.Neighborhood(q.wallet, q.maxDepth)
	}

	adj := t.graph.Adjacency()
	cg := make(cycles.Graph, len(hood))
	for _, v := range hood {
		row := adj[v]
		if len(row) == 0 {
			continue
		}
		kept := make([]cycles.Edge, 0, len(row))
		for _, ed := range row {
			if ed.ViaCollection && !q.collections {
				continue
			}
			kept = append(kept, cycles.Edge{To: ed.To, NFT: ed.NFT})
		}
		if len(kept) > 0 {
			cg[v] = kept
		}
	}
	comps := cycles.StronglyConnected(cg, hood)

	sctx := trade.ScoreContext{
		Now:          now,
		MedianDemand: demandMedian(t.graph.WantIndegrees()),
		Known:        t.cache.Contains,
	}
	vopts := trade.ValidateOptions{
		MaxLength:          q.maxDepth,
		IncludeCollections: q.collections,
		InventoryDirty:     func(w string) bool { return t.dirty[w].inventory > version },
	}

	var all, fresh []*trade.Loop
	truncated := false
	for _, comp := range comps {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			truncated = true
			break
		}
		opts := cycles.Options{MaxLength: q.maxDepth, Budget: remaining}
		trunc := cycles.EnumerateCycles(buildCtx, comp, opts, func(path []string) bool {
			nfts, ok := cycles.PathNFTs(comp, path)
			if !ok {
				return true
			}
			k := len(path)
			steps := make([]trade.Step, k)
			for i := 0; i < k; i++ {
				steps[i] = trade.Step{From: path[i], To: path[(i+1)%k], NFT: nfts[i]}
			}
			loop := trade.NewLoop(steps, now, e.opts.LoopTTL)
			if err := trade.Validate(loop, t.graph, vopts); err != nil {
				return true
			}
			known := t.cache.Contains(loop.ID)
			e.scorer.Score(loop, t.graph, sctx)
			all = append(all, loop)
			if !known {
				fresh = append(fresh, loop)
			}
			return true
		})
		if trunc {
			truncated = true
		}
	}

	matched := make([]*trade.Loop, 0, len(all))
	for _, l := range all {
		if q.matches(l) {
			matched = append(matched, l)
		}
	}
	sortLoops(matched)

	var seeds []string
	if q.wallet != "" {
		seeds = []string{q.wallet}
	}
	t.cache.Put(all, seeds, "", version, now)
	if !truncated {
		fps := make([]string, len(matched))
		for i, l := range matched {
			fps[i] = l.ID
		}
		t.cache.PutResult(key, seeds, fps, version)
	}

	return &loopcache.BuildResult{Loops: matched, Truncated: truncated, Version: version}, fresh
}

// sortLoops orders by score descending, fingerprint ascending on ties,
// which keeps answers deterministic for a given graph state.
func sortLoops(loops []*trade.Loop) {
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].Score != loops[j].Score {
			return loops[i].Score > loops[j].Score
		}
		return loops[i].ID < loops[j].ID
	})
}

func clip(loops []*trade.Loop, n int) []*trade.Loop {
	if n > 0 && len(loops) > n {
		return loops[:n]
	}
	return loops
}

func demandMedian(indegrees []float64) float64 {
	if len(indegrees) == 0 {
		return 0
	}
	sort.Float64s(indegrees)
	return stat.Quantile(0.5, stat.Empirical, indegrees, nil)
}

// LoopPayload shapes a loop for the wire.
func LoopPayload(l *trade.Loop) models.LoopPayload {
	steps := make([]models.StepPayload, len(l.Steps))
	for i, s := range l.Steps {
		steps[i] = models.StepPayload{From: s.From, To: s.To, NFT: s.NFT}
	}
	return models.LoopPayload{
		ID:            l.ID,
		Participants:  l.Participants,
		Steps:         steps,
		TotalValueUSD: l.TotalValue,
		Score:         l.Score,
		ExpiresAt:     l.ExpiresAt,
	}
}
