package worker

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
)

// debug gates per-drain logging.
var debug = os.Getenv("LOG_LEVEL") == "debug"

// DrainFunc processes one dirty wallet of a tenant: invalidate the
// wallet's cached loops, re-discover, store. Implementations log and
// swallow their own errors; a drain must never panic the pool.
type DrainFunc func(tenantID string, m Marker)

// drainBatch bounds how many wallets one scheduled run may process
// before yielding the worker to other tenants.
const drainBatch = 32

type tenantState struct {
	queue     *Queue
	scheduled bool
}

// Pool multiplexes per-tenant background discovery over a fixed worker
// pool: one logical drain loop per tenant without one goroutine per
// tenant. Marks schedule a drain run; runs re-schedule themselves while
// work remains and park otherwise.
type Pool struct {
	wp    *workerpool.WorkerPool
	drain DrainFunc

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewPool starts size workers feeding drain.
func NewPool(size int, drain DrainFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		wp:      workerpool.New(size),
		drain:   drain,
		tenants: make(map[string]*tenantState),
	}
}

// Register attaches a tenant's dirty queue to the pool.
func (p *Pool) Register(tenantID string, q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[tenantID] = &tenantState{queue: q}
}

// Unregister detaches a tenant. A drain run in progress stops at its
// next iteration.
func (p *Pool) Unregister(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tenants, tenantID)
}

// Mark flags a wallet dirty and wakes the tenant's drain loop.
func (p *Pool) Mark(tenantID, wallet string, reason Reason, version uint64, now time.Time) {
	p.mu.Lock()
	ts, ok := p.tenants[tenantID]
	if !ok {
		p.mu.Unlock()
		log.Printf("[worker] mark for unregistered tenant %s dropped", tenantID)
		return
	}
	ts.queue.Mark(wallet, reason, version, now)
	p.scheduleLocked(tenantID, ts)
	p.mu.Unlock()
}

// Wake schedules a drain run if the tenant has queued work. Used after
// bulk marks such as a snapshot restore.
func (p *Pool) Wake(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.tenants[tenantID]
	if !ok || ts.queue.Len() == 0 {
		return
	}
	p.scheduleLocked(tenantID, ts)
}

func (p *Pool) scheduleLocked(tenantID string, ts *tenantState) {
	if ts.scheduled {
		return
	}
	ts.scheduled = true
	p.wp.Submit(func() { p.run(tenantID) })
}

// run drains up to drainBatch wallets, then either re-schedules itself
// or parks the tenant.
func (p *Pool) run(tenantID string) {
	for i := 0; i < drainBatch; i++ {
		p.mu.Lock()
		ts, ok := p.tenants[tenantID]
		p.mu.Unlock()
		if !ok {
			return
		}
		m, ok := ts.queue.Next()
		if !ok {
			break
		}
		p.drain(tenantID, m)
		ts.queue.Complete(m.Wallet)
		if debug {
			log.Printf("[worker] tenant %s drained wallet %s (%s, v%d)", tenantID, m.Wallet, m.Reason, m.Version)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.tenants[tenantID]
	if !ok {
		return
	}
	if ts.queue.Len() > 0 {
		p.wp.Submit(func() { p.run(tenantID) })
		return
	}
	ts.scheduled = false
}

// StopWait drains scheduled runs and stops the workers.
func (p *Pool) StopWait() {
	p.wp.StopWait()
}
