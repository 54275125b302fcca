package worker

import (
	"container/list"
	"sync"
	"time"
)

// Reason classifies why a wallet needs re-discovery.
type Reason string

const (
	ReasonInventoryChanged     Reason = "inventory-changed"
	ReasonWantsChanged         Reason = "wants-changed"
	ReasonOwnershipTransferred Reason = "ownership-transferred"
)

// Marker is one dirty-queue item.
type Marker struct {
	Wallet     string
	Reason     Reason
	Version    uint64
	EnqueuedAt time.Time
}

// Queue tracks dirty wallets for one tenant. A wallet moves clean ->
// dirty -> in-flight -> clean; re-marking an in-flight wallet forces a
// re-run once the current run completes. Enqueue times are monotonic,
// so recency ordering reduces to a list: Next pops the newest mark,
// and when the queue outgrows the watermark the oldest mark is dropped.
type Queue struct {
	mu        sync.Mutex
	order     *list.List               // *Marker, oldest at front
	queued    map[string]*list.Element // wallet -> element in order
	inflight  map[string]struct{}
	redirty   map[string]Marker
	watermark int
	dropped   uint64
}

// DefaultWatermark caps the active set per tenant.
const DefaultWatermark = 10000

// NewQueue builds a queue dropping oldest entries beyond watermark.
func NewQueue(watermark int) *Queue {
	if watermark <= 0 {
		watermark = DefaultWatermark
	}
	return &Queue{
		order:     list.New(),
		queued:    make(map[string]*list.Element),
		inflight:  make(map[string]struct{}),
		redirty:   make(map[string]Marker),
		watermark: watermark,
	}
}

// Mark flags a wallet dirty. An already-queued wallet is re-stamped and
// moved to the newest position; an in-flight wallet is remembered for a
// re-run. Returns true when the wallet was not already queued.
func (q *Queue) Mark(wallet string, reason Reason, version uint64, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Marker{Wallet: wallet, Reason: reason, Version: version, EnqueuedAt: now}

	if _, busy := q.inflight[wallet]; busy {
		q.redirty[wallet] = m
		return false
	}
	if el, ok := q.queued[wallet]; ok {
		el.Value = &m
		q.order.MoveToBack(el)
		return false
	}

	for q.order.Len() >= q.watermark {
		oldest := q.order.Front()
		q.order.Remove(oldest)
		delete(q.queued, oldest.Value.(*Marker).Wallet)
		q.dropped++
	}
	q.queued[wallet] = q.order.PushBack(&m)
	return true
}

// Next pops the most recently marked wallet and moves it in-flight.
func (q *Queue) Next() (Marker, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.order.Back()
	if el == nil {
		return Marker{}, false
	}
	m := el.Value.(*Marker)
	q.order.Remove(el)
	delete(q.queued, m.Wallet)
	q.inflight[m.Wallet] = struct{}{}
	return *m, true
}

// Complete returns an in-flight wallet to clean, unless it was
// re-marked meanwhile, in which case it rejoins the queue.
func (q *Queue) Complete(wallet string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, wallet)
	if m, ok := q.redirty[wallet]; ok {
		delete(q.redirty, wallet)
		for q.order.Len() >= q.watermark {
			oldest := q.order.Front()
			q.order.Remove(oldest)
			delete(q.queued, oldest.Value.(*Marker).Wallet)
			q.dropped++
		}
		q.queued[wallet] = q.order.PushBack(&m)
	}
}

// Len is the number of queued wallets, in-flight excluded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Dropped counts watermark casualties.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
