package kiwiqueue

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/exp/constraints"

	"github.com/joeycumines/go-kiwiqueue/internal/slotid"
)

const (
	defaultCapacity       = 1024
	defaultThreadSlotMult = 4
)

// Queue is the lock-free concurrent priority queue facade (spec C8): an
// ordered multiset of keys supporting Push and TryPop, with no blocking
// locks on any path. Many goroutines may call Push/TryPop concurrently.
//
// TryPop does not return a strict global minimum under concurrency: it
// returns some element from the first non-empty chunk encountered from the
// head at the start of its scan (spec §5). Push is linearized at chunk.go
// push's list-insertion CAS; TryPop at chunk.go tryPop's logical-delete
// CAS; a rebalance is linearized at the successful swing of pred.next in
// rebalance.go's replaceChunks.
//
// Each in-flight Push/TryPop call leases one of a fixed pool of thread
// slots (WithThreadSlots, default GOMAXPROCS*4) for its duration, used to
// track in-flight intents across a rebalance. Leasing never blocks on a
// lock or channel: it is a CAS-spin over the free/taken bitmap in
// internal/slotid. With more concurrent callers than slots, acquisition
// degrades to ordinary CAS contention against whichever goroutine holds
// the slot rather than true wait-freedom -- a deliberate, bounded
// trade-off, since Freeze (ppa.go) needs a statically-sized slot set to
// guarantee no concurrent Push can race past a freeze undetected.
type Queue[K any] struct {
	cmp           Comparator[K]
	allocator     Allocator
	hooks         Hooks
	threadSlots   int
	chunkCapacity int

	// head is a permanent, zero-capacity sentinel chunk that is never
	// itself engaged in a rebalance: it stands in for the "global head"
	// spec §4.7 locate starts from, and for the conceptual -infinity lower
	// bound no generic key type can represent directly.
	head  *chunk[K]
	index *chunkIndex[K]
	slots *slotid.Registry

	rngState atomic.Uint64
}

func init() {
	// Best-effort GOMAXPROCS correction under cgroup CPU limits, matching
	// the teacher module's own build tooling; safe to call multiple times
	// and a no-op outside a container with a CPU quota.
	undo, _ := automaxprocsSet()
	_ = undo
}

// NewQueue constructs a Queue. WithComparator must be supplied, whatever
// K is; NewQueue panics otherwise. For constraints.Ordered key types,
// NewOrdered supplies OrderedComparator by default.
func NewQueue[K any](opts ...Option[K]) *Queue[K] {
	cfg := queueConfig[K]{
		capacity:    defaultCapacity,
		threadSlots: runtime.GOMAXPROCS(0) * defaultThreadSlotMult,
		allocator:   NoopAllocator{},
		seed:        uint64(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cmp == nil {
		panic("kiwiqueue: NewQueue: a Comparator must be supplied via WithComparator (or use NewOrdered)")
	}
	if cfg.capacity <= 0 {
		cfg.capacity = defaultCapacity
	}
	if cfg.threadSlots <= 0 {
		cfg.threadSlots = runtime.GOMAXPROCS(0) * defaultThreadSlotMult
	}

	q := &Queue[K]{
		cmp:           cfg.cmp,
		allocator:     cfg.allocator,
		hooks:         cfg.hooks,
		threadSlots:   cfg.threadSlots,
		chunkCapacity: cfg.capacity,
		head:          newChunk[K](0, cfg.threadSlots, cfg.cmp),
		index:         newChunkIndex[K](cfg.cmp),
		slots:         slotid.New(cfg.threadSlots),
	}
	q.head.casStatus(chunkInfant, chunkNormal)
	q.rngState.Store(cfg.seed)
	return q
}

// NewOrdered is a convenience constructor for any constraints.Ordered key
// type, defaulting to OrderedComparator's natural '<' order. A
// WithComparator option passed here still overrides the default.
func NewOrdered[K constraints.Ordered](opts ...Option[K]) *Queue[K] {
	all := make([]Option[K], 0, len(opts)+1)
	all = append(all, WithComparator[K](OrderedComparator[K]{}))
	all = append(all, opts...)
	return NewQueue(all...)
}

// Push inserts key into the queue and returns true on success (spec §6:
// push(key) -> bool). Push never fails under normal operation; it always
// eventually succeeds because rebalance is never fatal (spec §4.5 Failure
// semantics) -- the bool return exists purely for API parity with spec §6.
func (q *Queue[K]) Push(key K) bool {
	tid := q.slots.Acquire()
	defer q.slots.Release(tid)

	for {
		c := q.locate(key)

		switch c.getStatus() {
		case chunkInfant:
			if parent := c.parent.Load(); parent != nil {
				driveRebalance(q, parent)
			}
			continue
		case chunkFrozen:
			driveRebalance(q, c)
			continue
		}

		if c.isFull() || q.policyCheck(c) {
			driveRebalance(q, c)
			continue
		}

		if err := c.push(tid, key); err != nil {
			driveRebalance(q, c)
			continue
		}

		return true
	}
}

// TryPop removes and returns an approximate minimum key (spec §6:
// try_pop(&key) -> bool). It returns false only after observing the end
// of the chunk list without a successful pop.
func (q *Queue[K]) TryPop() (key K, ok bool) {
	tid := q.slots.Acquire()
	defer q.slots.Release(tid)

	c := q.head
	atHead := true

	for {
		if c.getStatus() == chunkFrozen {
			if atHead || q.coinFlip(rebalanceHelpProbability) {
				driveRebalance(q, c)
			}
			c = q.head
			atHead = true
			continue
		}

		k, popped, frozen := c.tryPop(tid)
		if frozen {
			// status flipped to FROZEN mid-scan; re-evaluate from the top
			// of this same chunk (it will now take the frozen branch).
			continue
		}
		if popped {
			return k, true
		}

		nxt, _ := c.next.Load()
		if nxt == nil {
			return key, false
		}
		c = nxt
		atHead = false
	}
}

// Len returns the current number of live keys. It is unsynchronized
// (spec §6: size() is for test/diagnostic use only) and walks every
// reachable chunk's intra-chunk list, so it is O(n) and may observe a
// state that never existed at any single instant under concurrent
// mutation.
func (q *Queue[K]) Len() int {
	n := 0
	c, _ := q.head.next.Load()
	for c != nil {
		n += c.liveCount()
		nxt, _ := c.next.Load()
		c = nxt
	}
	return n
}

// locate implements spec §4.7 step 1: find the chunk that owns key, using
// the chunk index to skip most of the linear scan.
func (q *Queue[K]) locate(key K) *chunk[K] {
	for {
		c := q.index.LoadPrev(key)
		if c == nil {
			c = q.head
			if nxt, marked := c.next.Load(); nxt != nil && !marked {
				c = nxt
			} else if nxt == nil {
				if bootstrapped := q.bootstrap(key); bootstrapped != nil {
					return bootstrapped
				}
				continue
			}
		}

		for {
			nxt, marked := c.next.Load()
			if nxt == nil || marked {
				break
			}
			if q.cmp.Less(key, nxt.minKey) {
				break
			}
			c = nxt
		}
		return c
	}
}

// bootstrap creates the very first chunk when the queue is empty, racing
// every other concurrent first-pusher via a single CAS on q.head.next.
// Losers discard their candidate (left for GC) and return nil so the
// caller re-enters locate.
func (q *Queue[K]) bootstrap(key K) *chunk[K] {
	nxt, marked := q.head.next.Load()
	if nxt != nil || marked {
		return nil
	}

	candidate := newChunk[K](q.chunkCapacity, q.threadSlots, q.cmp)
	candidate.setMinKeyOnce(key)
	candidate.casStatus(chunkInfant, chunkNormal)

	if !q.head.next.CompareAndSwap(nil, false, candidate, false) {
		return nil
	}
	q.index.PutConditional(candidate.minKey, nil, candidate)
	return candidate
}
