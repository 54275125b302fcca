package cycles

import (
	"context"
	"time"
)

// Options bounds one component's cycle enumeration.
type Options struct {
	// MaxLength is the inclusive cycle-length cap in vertices.
	MaxLength int
	// MaxCycles caps the emitted cycles. Finding one more past the cap
	// stops the search and reports truncation.
	MaxCycles int
	// Budget is the wall-clock allowance for this component.
	Budget time.Duration
}

const (
	DefaultMaxLength = 10
	HardMaxLength    = 15
	DefaultMaxCycles = 10000
	DefaultBudget    = 500 * time.Millisecond
)

func (o Options) normalized() Options {
	if o.MaxLength <= 1 {
		o.MaxLength = DefaultMaxLength
	}
	if o.MaxLength > HardMaxLength {
		o.MaxLength = HardMaxLength
	}
	if o.MaxCycles <= 0 {
		o.MaxCycles = DefaultMaxCycles
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	return o
}

// EnumerateCycles runs Johnson's elementary-cycle search over one
// strongly connected component, bounded by opts. Each cycle is handed
// to emit as its vertex path (the closing edge back to path[0] is
// implied); emit returning false aborts the search. The walk is
// deterministic: roots advance in sorted order and adjacency rows are
// consumed as given.
//
// Two departures from the textbook algorithm:
//   - cycles are rooted at their smallest vertex by skipping targets
//     ordered before the current root instead of recomputing SCCs per
//     root; this only costs exploration of some dead branches, which
//     the length bound keeps cheap;
//   - hitting the length bound counts as "cycle found" so the path
//     prefix is unblocked, otherwise bounded runs would miss cycles
//     reachable through shorter prefixes.
//
// The return value is true when enumeration stopped early for any
// reason (time, cycle budget, context, emit abort). A run that ends
// with exactly MaxCycles cycles and nothing further is complete, not
// truncated.
func EnumerateCycles(ctx context.Context, comp Component, opts Options, emit func(path []string) bool) bool {
	opts = opts.normalized()
	deadline := time.Now().Add(opts.Budget)

	verts := comp.Vertices // sorted by construction
	order := make(map[string]int, len(verts))
	for i, v := range verts {
		order[v] = i
	}

	var (
		blocked   = make(map[string]bool, len(verts))
		blockList = make(map[string]map[string]struct{}, len(verts))
		stack     []string
		emitted   int
		stopped   bool
		truncated bool
	)

	budgetExceeded := func() bool {
		if stopped {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			stopped = true
			truncated = true
			return true
		}
		return false
	}

	var unblock func(v string)
	unblock = func(v string) {
		blocked[v] = false
		for w := range blockList[v] {
			delete(blockList[v], w)
			if blocked[w] {
				unblock(w)
			}
		}
	}

	var root string
	var circuit func(v string) bool
	circuit = func(v string) bool {
		stack = append(stack, v)
		blocked[v] = true
		defer func() { stack = stack[:len(stack)-1] }()

		if budgetExceeded() {
			return true
		}

		found := false
		for _, e := range comp.Adj[v] {
			if stopped {
				break
			}
			w := e.To
			if order[w] < order[root] {
				continue
			}
			if w == root {
				if len(stack) >= 2 {
					// The cycle cap only truncates when a further cycle
					// actually turns up; a search that ends with exactly
					// MaxCycles found is complete.
					if emitted >= opts.MaxCycles {
						stopped = true
						truncated = true
						break
					}
					emitted++
					if !emit(append([]string(nil), stack...)) {
						stopped = true
						truncated = true
					}
					found = true
					if budgetExceeded() {
						break
					}
				}
				continue
			}
			if len(stack) >= opts.MaxLength {
				found = true
				continue
			}
			if !blocked[w] && circuit(w) {
				found = true
			}
		}

		if found {
			unblock(v)
		} else {
			for _, e := range comp.Adj[v] {
				w := e.To
				if w == root || order[w] < order[root] {
					continue
				}
				if blockList[w] == nil {
					blockList[w] = make(map[string]struct{})
				}
				blockList[w][v] = struct{}{}
			}
		}
		return found
	}

	for _, s := range verts {
		if budgetExceeded() {
			break
		}
		root = s
		for _, v := range verts {
			blocked[v] = false
			delete(blockList, v)
		}
		circuit(s)
	}
	return truncated
}

// PathNFTs maps a vertex path back to the NFTs carried on each step,
// closing edge included. Returns false when the component adjacency no
// longer backs one of the steps.
func PathNFTs(comp Component, path []string) ([]string, bool) {
	nfts := make([]string, 0, len(path))
	for i, from := range path {
		to := path[(i+1)%len(path)]
		nft, ok := edgeNFT(comp, from, to)
		if !ok {
			return nil, false
		}
		nfts = append(nfts, nft)
	}
	return nfts, true
}

func edgeNFT(comp Component, from, to string) (string, bool) {
	for _, e := range comp.Adj[from] {
		if e.To == to {
			return e.NFT, true
		}
	}
	return "", false
}
