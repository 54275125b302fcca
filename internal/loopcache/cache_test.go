package loopcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ringtrade/internal/trade"
)

var c0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLoop(t *testing.T, a, b, n1, n2 string) *trade.Loop {
	t.Helper()
	return trade.NewLoop([]trade.Step{
		{From: a, To: b, NFT: n1},
		{From: b, To: a, NFT: n2},
	}, c0, time.Hour)
}

func newCache(t *testing.T, capacity int) *Cache {
	t.Helper()
	c, err := New(capacity, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func noDirty(string) uint64 { return 0 }

func TestPutGetResultSet(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l1 := testLoop(t, "a", "b", "n1", "n2")
	l2 := testLoop(t, "a", "c", "n1", "n3")
	c.Put([]*trade.Loop{l1, l2}, []string{"a"}, "q1", 7, c0)

	got, ok := c.Get("q1", c0, noDirty)
	if !ok {
		t.Fatal("miss after put")
	}
	if len(got) != 2 || got[0].ID != l1.ID || got[1].ID != l2.ID {
		t.Fatalf("result order broken: %v", got)
	}
	if _, ok := c.Get("q2", c0, noDirty); ok {
		t.Fatal("hit on unknown key")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 2 || st.ResultSets != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestGetFiltersDirtyWallets(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l := testLoop(t, "a", "b", "n1", "n2")
	c.Put([]*trade.Loop{l}, []string{"a"}, "q1", 5, c0)

	dirty := func(w string) uint64 {
		if w == "b" {
			return 6 // dirtied after the entry's version
		}
		return 0
	}
	if _, ok := c.Get("q1", c0, dirty); ok {
		t.Fatal("returned entry referencing a dirtied wallet")
	}
	// The stale result set is gone for good.
	if _, ok := c.Get("q1", c0, noDirty); ok {
		t.Fatal("stale result set survived")
	}
}

func TestGetHonorsEntryVersion(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l := testLoop(t, "a", "b", "n1", "n2")
	c.Put([]*trade.Loop{l}, []string{"a"}, "q1", 9, c0)

	// Dirty at version 9 equals the entry version: still fresh.
	atVersion := func(string) uint64 { return 9 }
	if _, ok := c.Get("q1", c0, atVersion); !ok {
		t.Fatal("entry at the dirty version treated as stale")
	}
}

func TestEmptyResultSetRetiredBySeedDirtying(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	c.PutResult("q1", []string{"a"}, nil, 3)

	atV3 := func(w string) uint64 {
		if w == "a" {
			return 3
		}
		return 0
	}
	got, ok := c.Get("q1", c0, atV3)
	if !ok || len(got) != 0 {
		t.Fatalf("empty answer at its own version should hit: got=%v ok=%v", got, ok)
	}

	// Dirtying the seed past the recorded version retires the set even
	// though it holds no entries to notice.
	atV4 := func(w string) uint64 {
		if w == "a" {
			return 4
		}
		return 0
	}
	if _, ok := c.Get("q1", c0, atV4); ok {
		t.Fatal("empty answer served after its seed was dirtied")
	}
	if _, ok := c.Get("q1", c0, atV3); ok {
		t.Fatal("retired result set survived")
	}
}

func TestSeedlessResultSetUsesNewestMark(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	c.PutResult("all", nil, nil, 5)

	if _, ok := c.Get("all", c0, func(string) uint64 { return 5 }); !ok {
		t.Fatal("seedless answer at the newest mark should hit")
	}
	newer := func(w string) uint64 {
		if w == "" {
			return 6
		}
		return 0
	}
	if _, ok := c.Get("all", c0, newer); ok {
		t.Fatal("seedless answer served past a newer mark")
	}
}

func TestSweepExpiry(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l := testLoop(t, "a", "b", "n1", "n2")
	c.Put([]*trade.Loop{l}, []string{"a"}, "q1", 1, c0)

	if n := c.Sweep(c0.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("early sweep expired %d", n)
	}
	if n := c.Sweep(c0.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("sweep expired %d want 1", n)
	}
	if n := c.Sweep(c0.Add(2 * time.Hour)); n != 0 {
		t.Fatalf("second sweep expired %d want 0", n)
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d after sweep", c.Len())
	}
	if _, ok := c.Get("q1", c0.Add(2*time.Hour), noDirty); ok {
		t.Fatal("result set survived expiry sweep")
	}
}

func TestGetDropsExpiredLazily(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l := testLoop(t, "a", "b", "n1", "n2")
	c.Put([]*trade.Loop{l}, []string{"a"}, "q1", 1, c0)

	if _, ok := c.Get("q1", c0.Add(2*time.Hour), noDirty); ok {
		t.Fatal("expired entry returned before sweep")
	}
}

func TestPutRefreshesExistingEntry(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l := testLoop(t, "a", "b", "n1", "n2")
	c.Put([]*trade.Loop{l}, []string{"a"}, "q1", 1, c0)

	later := c0.Add(50 * time.Minute)
	refreshed := testLoop(t, "a", "b", "n1", "n2")
	refreshed.Score = 0.9
	c.Put([]*trade.Loop{refreshed}, []string{"a"}, "q1", 2, later)

	// Original expiry would be c0+1h; the refresh moved it past that.
	if n := c.Sweep(c0.Add(90 * time.Minute)); n != 0 {
		t.Fatalf("refreshed entry expired early (%d)", n)
	}

	// The entry now lives at version 2: a wallet dirtied at version 2
	// no longer invalidates it, and the new score is visible.
	atV2 := func(string) uint64 { return 2 }
	got, ok := c.Get("q1", later, atV2)
	if !ok {
		t.Fatal("refreshed entry reported stale")
	}
	if len(got) != 1 || got[0].Score != 0.9 {
		t.Fatalf("refresh did not replace the loop: %+v", got)
	}
}

func TestLRUEvictionMaintainsIndices(t *testing.T) {
	t.Parallel()

	c := newCache(t, 2)
	l1 := testLoop(t, "a", "b", "n1", "n2")
	l2 := testLoop(t, "c", "d", "n3", "n4")
	l3 := testLoop(t, "e", "f", "n5", "n6")
	c.Put([]*trade.Loop{l1}, nil, "", 1, c0)
	c.Put([]*trade.Loop{l2}, nil, "", 1, c0)
	c.Put([]*trade.Loop{l3}, nil, "", 1, c0) // evicts l1

	if c.Len() != 2 {
		t.Fatalf("len=%d want 2", c.Len())
	}
	if c.Contains(l1.ID) {
		t.Fatal("oldest entry survived over capacity")
	}
	if got := c.Invalidate("a"); got != 0 {
		t.Fatalf("evicted entry still indexed by wallet: %d", got)
	}
	if st := c.Stats(); st.Evictions == 0 {
		t.Fatal("eviction not counted")
	}
}

func TestInvalidateByWalletAndNFT(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	l1 := testLoop(t, "a", "b", "n1", "n2")
	l2 := testLoop(t, "a", "c", "n1", "n3")
	l3 := testLoop(t, "d", "e", "n4", "n5")
	c.Put([]*trade.Loop{l1, l2, l3}, nil, "", 1, c0)

	if got := c.Invalidate("a"); got != 2 {
		t.Fatalf("Invalidate(a)=%d want 2", got)
	}
	if !c.Contains(l3.ID) {
		t.Fatal("unrelated loop invalidated")
	}
	if got := c.InvalidateNFT("n4"); got != 1 {
		t.Fatalf("InvalidateNFT(n4)=%d want 1", got)
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d want 0", c.Len())
	}
}

func TestCoalesceSingleBuild(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	var builds atomic.Int32
	release := make(chan struct{})

	build := func() (*BuildResult, error) {
		builds.Add(1)
		<-release
		return &BuildResult{Loops: []*trade.Loop{testLoop(t, "a", "b", "n1", "n2")}, Version: 3}, nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]*BuildResult, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			r, _, err := c.Coalesce(context.Background(), "q1", build)
			if err != nil {
				t.Errorf("Coalesce: %v", err)
				return
			}
			results[i] = r
		}()
	}

	// Let the callers pile onto the in-flight key, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Fatalf("builds=%d want 1", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different result", i)
		}
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(0, time.Hour); err == nil {
		t.Fatal("zero capacity accepted")
	}
	if _, err := New(10, 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}
