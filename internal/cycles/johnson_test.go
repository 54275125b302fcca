package cycles

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

// completeDigraph builds K_n over vertices v0..v(n-1) with every
// ordered pair as an edge.
func completeDigraph(n int) ([]string, Graph) {
	verts := make([]string, n)
	for i := range verts {
		verts[i] = fmt.Sprintf("v%d", i)
	}
	g := make(Graph, n)
	for _, from := range verts {
		for _, to := range verts {
			if from != to {
				g[from] = append(g[from], Edge{To: to, NFT: "n-" + from + to})
			}
		}
	}
	return verts, g
}

func collectCycles(t *testing.T, comp Component, opts Options) ([][]string, bool) {
	t.Helper()
	var out [][]string
	truncated := EnumerateCycles(context.Background(), comp, opts, func(path []string) bool {
		out = append(out, path)
		return true
	})
	return out, truncated
}

func singleComponent(t *testing.T, g Graph, vertices []string) Component {
	t.Helper()
	comps := StronglyConnected(g, vertices)
	if len(comps) != 1 {
		t.Fatalf("components=%d want 1", len(comps))
	}
	return comps[0]
}

func TestEnumerateTriangle(t *testing.T) {
	t.Parallel()

	g := edges([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "a"})
	comp := singleComponent(t, g, []string{"a", "b", "c"})

	got, truncated := collectCycles(t, comp, Options{})
	if truncated {
		t.Fatal("triangle enumeration reported truncated")
	}
	want := [][]string{{"a", "b", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cycles=%v want %v", got, want)
	}
}

func TestEnumerateCountsCompleteGraph(t *testing.T) {
	t.Parallel()

	// K4 holds 6 two-cycles, 8 three-cycles and 6 four-cycles.
	cases := []struct {
		maxLen int
		want   int
	}{
		{maxLen: 2, want: 6},
		{maxLen: 3, want: 14},
		{maxLen: 4, want: 20},
		{maxLen: 15, want: 20},
	}

	verts, g := completeDigraph(4)
	comp := singleComponent(t, g, verts)
	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("k=%d", tc.maxLen), func(t *testing.T) {
			t.Parallel()
			got, truncated := collectCycles(t, comp, Options{MaxLength: tc.maxLen})
			if truncated {
				t.Fatal("unexpected truncation")
			}
			if len(got) != tc.want {
				t.Fatalf("cycles=%d want %d", len(got), tc.want)
			}
			for _, path := range got {
				seen := map[string]struct{}{}
				for _, v := range path {
					if _, dup := seen[v]; dup {
						t.Fatalf("non-elementary cycle %v", path)
					}
					seen[v] = struct{}{}
				}
				if len(path) > tc.maxLen {
					t.Fatalf("cycle %v exceeds bound %d", path, tc.maxLen)
				}
			}
		})
	}
}

// A length bound must not leave vertices blocked when the cutoff, not a
// dead end, stopped the walk. Here the walk first reaches b via the
// long prefix a0->a1->a2 and is cut off; the cycle a0->a2->a3->a0 must
// still come out.
func TestBoundedBlockingStaysComplete(t *testing.T) {
	t.Parallel()

	g := Graph{
		"a0": {{To: "a1", NFT: "n01"}, {To: "a2", NFT: "n02"}},
		"a1": {{To: "a2", NFT: "n12"}},
		"a2": {{To: "a3", NFT: "n23"}},
		"a3": {{To: "a0", NFT: "n30"}},
	}
	comp := singleComponent(t, g, []string{"a0", "a1", "a2", "a3"})

	got, truncated := collectCycles(t, comp, Options{MaxLength: 3})
	if truncated {
		t.Fatal("unexpected truncation")
	}
	want := [][]string{{"a0", "a2", "a3"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cycles=%v want %v", got, want)
	}
}

func TestCycleBudgetTruncates(t *testing.T) {
	t.Parallel()

	verts, g := completeDigraph(4)
	comp := singleComponent(t, g, verts)

	got, truncated := collectCycles(t, comp, Options{MaxCycles: 3})
	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(got) != 3 {
		t.Fatalf("cycles=%d want 3", len(got))
	}
}

func TestCycleBudgetExactFitCompletes(t *testing.T) {
	t.Parallel()

	// K4 holds exactly 20 elementary cycles. A cap the count just meets
	// is a complete run; one short truncates.
	verts, g := completeDigraph(4)
	comp := singleComponent(t, g, verts)

	got, truncated := collectCycles(t, comp, Options{MaxCycles: 20})
	if truncated {
		t.Fatal("exact-fit cap reported truncated")
	}
	if len(got) != 20 {
		t.Fatalf("cycles=%d want 20", len(got))
	}

	got, truncated = collectCycles(t, comp, Options{MaxCycles: 19})
	if !truncated {
		t.Fatal("cap one short did not truncate")
	}
	if len(got) != 19 {
		t.Fatalf("cycles=%d want 19", len(got))
	}
}

func TestEmitAbortTruncates(t *testing.T) {
	t.Parallel()

	verts, g := completeDigraph(4)
	comp := singleComponent(t, g, verts)

	var count int
	truncated := EnumerateCycles(context.Background(), comp, Options{}, func([]string) bool {
		count++
		return count < 2
	})
	if !truncated {
		t.Fatal("expected truncation on emit abort")
	}
	if count != 2 {
		t.Fatalf("emitted=%d want 2", count)
	}
}

func TestCancelledContextTruncates(t *testing.T) {
	t.Parallel()

	verts, g := completeDigraph(5)
	comp := singleComponent(t, g, verts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got [][]string
	truncated := EnumerateCycles(ctx, comp, Options{}, func(path []string) bool {
		got = append(got, path)
		return true
	})
	if !truncated {
		t.Fatal("cancelled context did not truncate")
	}
	if len(got) != 0 {
		t.Fatalf("emitted %d cycles under cancelled context", len(got))
	}
}

func TestEnumerateDeterministic(t *testing.T) {
	t.Parallel()

	verts, g := completeDigraph(5)
	comp := singleComponent(t, g, verts)

	first, _ := collectCycles(t, comp, Options{MaxLength: 4})
	for i := 0; i < 3; i++ {
		got, _ := collectCycles(t, comp, Options{MaxLength: 4})
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs", i)
		}
	}
}

func TestPathNFTs(t *testing.T) {
	t.Parallel()

	g := edges([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "a"})
	comp := singleComponent(t, g, []string{"a", "b", "c"})

	nfts, ok := PathNFTs(comp, []string{"a", "b", "c"})
	if !ok {
		t.Fatal("PathNFTs failed on a valid path")
	}
	want := []string{"n-ab", "n-bc", "n-ca"}
	if !reflect.DeepEqual(nfts, want) {
		t.Fatalf("nfts=%v want %v", nfts, want)
	}

	if _, ok := PathNFTs(comp, []string{"a", "c", "b"}); ok {
		t.Fatal("PathNFTs accepted a path with no backing edges")
	}
}
