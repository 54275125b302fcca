package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder collects drained markers and signals when a target count is
// reached.
type recorder struct {
	mu     sync.Mutex
	drains []Marker
	target int
	done   chan struct{}
}

func newRecorder(target int) *recorder {
	return &recorder{target: target, done: make(chan struct{})}
}

func (r *recorder) drain(tenantID string, m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains = append(r.drains, m)
	if len(r.drains) == r.target {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []Marker {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		r.mu.Lock()
		defer r.mu.Unlock()
		t.Fatalf("timed out with %d of %d drains", len(r.drains), r.target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Marker, len(r.drains))
	copy(out, r.drains)
	return out
}

func TestPoolDrainsMarkedWallets(t *testing.T) {
	t.Parallel()

	rec := newRecorder(3)
	p := NewPool(2, rec.drain)
	defer p.StopWait()
	p.Register("t1", NewQueue(0))

	now := time.Now()
	p.Mark("t1", "a", ReasonInventoryChanged, 1, now)
	p.Mark("t1", "b", ReasonWantsChanged, 2, now.Add(time.Millisecond))
	p.Mark("t1", "c", ReasonInventoryChanged, 3, now.Add(2*time.Millisecond))

	seen := make(map[string]bool)
	for _, m := range rec.wait(t) {
		seen[m.Wallet] = true
	}
	for _, w := range []string{"a", "b", "c"} {
		if !seen[w] {
			t.Errorf("wallet %s never drained", w)
		}
	}
}

func TestPoolDrainsBeyondOneBatch(t *testing.T) {
	t.Parallel()

	n := drainBatch*2 + 5
	rec := newRecorder(n)
	p := NewPool(1, rec.drain)
	defer p.StopWait()

	q := NewQueue(0)
	// Fill the queue before attaching so the first run sees a backlog
	// larger than one batch.
	now := time.Now()
	for i := 0; i < n; i++ {
		q.Mark(fmt.Sprintf("w%03d", i), ReasonInventoryChanged, uint64(i), now.Add(time.Duration(i)))
	}
	p.Register("t1", q)
	p.Wake("t1")

	drains := rec.wait(t)
	if len(drains) != n {
		t.Fatalf("drained %d wallets, want %d", len(drains), n)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue Len() = %d after drain, want 0", got)
	}
}

func TestPoolMarkDuringDrainRerunsWallet(t *testing.T) {
	t.Parallel()

	var p *Pool
	var remarked atomic.Bool
	rec := newRecorder(2)
	drain := func(tenantID string, m Marker) {
		// First run re-marks the wallet mid-flight; it must run again.
		if remarked.CompareAndSwap(false, true) {
			p.Mark(tenantID, m.Wallet, ReasonOwnershipTransferred, m.Version+1, time.Now())
		}
		rec.drain(tenantID, m)
	}
	p = NewPool(1, drain)
	defer p.StopWait()
	p.Register("t1", NewQueue(0))

	p.Mark("t1", "a", ReasonInventoryChanged, 1, time.Now())

	drains := rec.wait(t)
	if drains[0].Version != 1 || drains[1].Version != 2 {
		t.Fatalf("drain versions = %d, %d; want 1, 2", drains[0].Version, drains[1].Version)
	}
	if drains[1].Reason != ReasonOwnershipTransferred {
		t.Fatalf("rerun reason = %s, want %s", drains[1].Reason, ReasonOwnershipTransferred)
	}
}

func TestPoolIsolatesTenants(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	perTenant := make(map[string][]string)
	done := make(chan struct{})
	drain := func(tenantID string, m Marker) {
		mu.Lock()
		defer mu.Unlock()
		perTenant[tenantID] = append(perTenant[tenantID], m.Wallet)
		if len(perTenant["t1"])+len(perTenant["t2"]) == 4 {
			close(done)
		}
	}
	p := NewPool(2, drain)
	defer p.StopWait()
	p.Register("t1", NewQueue(0))
	p.Register("t2", NewQueue(0))

	now := time.Now()
	p.Mark("t1", "a", ReasonInventoryChanged, 1, now)
	p.Mark("t2", "a", ReasonInventoryChanged, 1, now)
	p.Mark("t1", "b", ReasonInventoryChanged, 2, now.Add(time.Millisecond))
	p.Mark("t2", "b", ReasonInventoryChanged, 2, now.Add(time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drains")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"t1", "t2"} {
		if len(perTenant[id]) != 2 {
			t.Errorf("tenant %s drained %v, want both wallets", id, perTenant[id])
		}
	}
}

func TestPoolMarkUnknownTenantIsDropped(t *testing.T) {
	t.Parallel()

	var called atomic.Int64
	p := NewPool(1, func(string, Marker) { called.Add(1) })
	defer p.StopWait()

	p.Mark("ghost", "a", ReasonInventoryChanged, 1, time.Now())
	time.Sleep(20 * time.Millisecond)
	if n := called.Load(); n != 0 {
		t.Fatalf("drain called %d times for unregistered tenant", n)
	}
}

func TestPoolUnregisterStopsDraining(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	started := make(chan struct{})
	var after atomic.Int64
	p := NewPool(1, func(tenantID string, m Marker) {
		if m.Wallet == "a" {
			close(started)
			<-block
			return
		}
		after.Add(1)
	})
	defer p.StopWait()

	q := NewQueue(0)
	p.Register("t1", q)
	now := time.Now()
	q.Mark("b", ReasonInventoryChanged, 1, now)
	p.Mark("t1", "a", ReasonInventoryChanged, 2, now.Add(time.Millisecond))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never started")
	}
	p.Unregister("t1")
	close(block)

	time.Sleep(20 * time.Millisecond)
	if n := after.Load(); n != 0 {
		t.Fatalf("drained %d wallets after Unregister, want 0", n)
	}
}
