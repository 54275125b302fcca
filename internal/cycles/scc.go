package cycles

import "sort"

// Edge is a directed wants-graph edge carrying the NFT that backs it.
type Edge struct {
	To  string
	NFT string
}

// Graph is an adjacency map over wallet vertices. Rows are expected in
// a stable order (the graph store emits them NFT-sorted); enumeration
// determinism depends on it.
type Graph map[string][]Edge

// Component is one strongly connected component. Adj is restricted to
// intra-component edges, with parallel edges collapsed to the
// lexicographically smallest NFT label. Vertices are sorted.
type Component struct {
	Vertices []string
	Adj      Graph
}

// tarjanFrame is one explicit DFS stack frame.
type tarjanFrame struct {
	v    string
	edge int
}

// StronglyConnected partitions the graph restricted to the given vertex
// set into SCCs using Tarjan's algorithm, iteratively. Components come
// back in DFS post-order; singletons without a self-loop are dropped
// since no cycle can pass through them. Visit order is the sorted
// vertex order, which keeps the partition deterministic for a given
// graph state.
func StronglyConnected(g Graph, vertices []string) []Component {
	inSet := make(map[string]struct{}, len(vertices))
	for _, v := range vertices {
		inSet[v] = struct{}{}
	}

	// Restrict rows to the vertex set and collapse parallel edges. Rows
	// arrive NFT-sorted, so the first edge per target carries the
	// smallest label.
	radj := make(Graph, len(vertices))
	for _, v := range vertices {
		row := g[v]
		if len(row) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(row))
		var kept []Edge
		for _, e := range row {
			if _, ok := inSet[e.To]; !ok {
				continue
			}
			if _, dup := seen[e.To]; dup {
				continue
			}
			seen[e.To] = struct{}{}
			kept = append(kept, e)
		}
		if len(kept) > 0 {
			radj[v] = kept
		}
	}

	sorted := append([]string(nil), vertices...)
	sort.Strings(sorted)

	var (
		counter  int
		index    = make(map[string]int, len(sorted))
		lowlink  = make(map[string]int, len(sorted))
		onStack  = make(map[string]bool, len(sorted))
		stack    []string
		frames   []tarjanFrame
		out      []Component
	)

	strongconnect := func(start string) {
		frames = append(frames, tarjanFrame{v: start})
		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.edge == 0 {
				index[f.v] = counter
				lowlink[f.v] = counter
				counter++
				stack = append(stack, f.v)
				onStack[f.v] = true
			}

			advanced := false
			for f.edge < len(radj[f.v]) {
				w := radj[f.v][f.edge].To
				f.edge++
				if _, visited := index[w]; !visited {
					frames = append(frames, tarjanFrame{v: w})
					advanced = true
					break
				}
				if onStack[w] {
					if index[w] < lowlink[f.v] {
						lowlink[f.v] = index[w]
					}
				}
			}
			if advanced {
				continue
			}

			// f.v is finished.
			if lowlink[f.v] == index[f.v] {
				var members []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					members = append(members, w)
					if w == f.v {
						break
					}
				}
				if comp, ok := buildComponent(radj, members); ok {
					out = append(out, comp)
				}
			}

			v := f.v
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[v]
				}
			}
		}
	}

	for _, v := range sorted {
		if _, visited := index[v]; !visited {
			strongconnect(v)
		}
	}
	return out
}

// buildComponent assembles a Component from member vertices, dropping
// trivial singletons.
func buildComponent(radj Graph, members []string) (Component, bool) {
	if len(members) == 1 {
		v := members[0]
		selfLoop := false
		for _, e := range radj[v] {
			if e.To == v {
				selfLoop = true
				break
			}
		}
		if !selfLoop {
			return Component{}, false
		}
	}

	inComp := make(map[string]struct{}, len(members))
	for _, v := range members {
		inComp[v] = struct{}{}
	}

	comp := Component{Adj: make(Graph, len(members))}
	comp.Vertices = append(comp.Vertices, members...)
	sort.Strings(comp.Vertices)
	for _, v := range comp.Vertices {
		var kept []Edge
		for _, e := range radj[v] {
			if _, ok := inComp[e.To]; ok {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			comp.Adj[v] = kept
		}
	}
	return comp, true
}
