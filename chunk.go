package kiwiqueue

import (
	"errors"
	"sync/atomic"
)

// chunkStatus is a chunk's lifecycle state (spec §3): INFANT -> NORMAL ->
// FROZEN, or INFANT -> FROZEN directly (a chunk built by a rebalance that
// is itself immediately re-engaged before normalize completes).
type chunkStatus uint32

const (
	chunkInfant chunkStatus = iota
	chunkNormal
	chunkFrozen
)

func (s chunkStatus) String() string {
	switch s {
	case chunkInfant:
		return "infant"
	case chunkNormal:
		return "normal"
	case chunkFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// errNeedRebalance is the internal NEED-REBALANCE signal (spec §7): the
// chunk is full, or a push lost the race to publish its PPA intent because
// the chunk froze underneath it. Callers drive a rebalance and retry.
var errNeedRebalance = errors.New("kiwiqueue: chunk needs rebalance")

// ChunkStat is the read-only snapshot of a chunk's fill level passed to a
// Hooks.PolicyOverride, letting an embedder substitute its own
// engage/check heuristic for the default one in policy.go.
type ChunkStat struct {
	Capacity  int
	Allocated int
	Status    string
}

// chunk is the fixed-capacity container for a contiguous key range (spec
// C4): a slot array, the intra-chunk sorted list over those slots, the
// per-thread PPA, lifecycle status, and the pointers that link it into the
// global chunk list and into a rebalance.
type chunk[K any] struct {
	capacity int
	slots    []element[K]

	beginSentinel element[K]
	endSentinel   element[K]

	i atomic.Int64

	minKey    K
	minKeySet atomic.Bool

	status atomic.Uint32

	// next links this chunk to its successor in the global chunk list. The
	// mark bit is the "frozen-link" used during rebalance replace to close
	// off the old sublist.
	next markRef[chunk[K]]

	// parent is a weak, non-owning back-reference to the chunk that
	// created this one during a rebalance; always re-validated against
	// current state (e.g. parent.ro) before use, never dereferenced blindly.
	parent atomic.Pointer[chunk[K]]

	ro atomic.Pointer[rebalanceObject[K]]

	ppa *ppaTable

	cmp Comparator[K]
}

// newChunk allocates an INFANT chunk with capacity N and threadSlots PPA
// entries. The end sentinel is wired immediately so begin_sentinel.next
// can point at it before any real element is pushed.
func newChunk[K any](capacity, threadSlots int, cmp Comparator[K]) *chunk[K] {
	c := &chunk[K]{
		capacity: capacity,
		slots:    make([]element[K], capacity),
		ppa:      newPPATable(threadSlots),
		cmp:      cmp,
	}
	for idx := range c.slots {
		c.slots[idx].idx = idx
	}
	c.beginSentinel.idx = sentinelIdx
	c.endSentinel.idx = sentinelIdx
	c.beginSentinel.next.Store(&c.endSentinel, false)
	c.endSentinel.next.Store(nil, false)
	c.next.Store(nil, false)
	return c
}

func (c *chunk[K]) getStatus() chunkStatus {
	return chunkStatus(c.status.Load())
}

func (c *chunk[K]) casStatus(from, to chunkStatus) bool {
	return c.status.CompareAndSwap(uint32(from), uint32(to))
}

func (c *chunk[K]) setMinKeyOnce(key K) {
	if c.minKeySet.CompareAndSwap(false, true) {
		c.minKey = key
	}
}

// allocated reports how many slots have been claimed so far (spec
// invariant 6: i is nondecreasing; values >= capacity mean full).
func (c *chunk[K]) allocated() int {
	n := c.i.Load()
	if n < 0 {
		return 0
	}
	if int(n) > c.capacity {
		return c.capacity
	}
	return int(n)
}

func (c *chunk[K]) isFull() bool {
	return c.i.Load() >= int64(c.capacity)
}

func (c *chunk[K]) stat() ChunkStat {
	return ChunkStat{Capacity: c.capacity, Allocated: c.allocated(), Status: c.getStatus().String()}
}

// push implements spec §4.3: reserve a slot, publish intent, link into the
// sorted list, clear intent. Returns errNeedRebalance on saturation or a
// lost race against a concurrent freeze.
func (c *chunk[K]) push(tid int, key K) error {
	idx := int(c.i.Add(1) - 1)
	if idx >= c.capacity {
		return errNeedRebalance
	}

	c.slots[idx].key = key

	if !c.ppa.TryPublish(tid, ppaPush, idx) {
		return errNeedRebalance
	}

	pushIntoList(c.cmp, &c.beginSentinel, &c.slots[idx])

	c.ppa.Clear(tid, ppaPush, idx)
	return nil
}

// tryPop implements spec §4.4. ok is true iff a key was removed into key.
// frozen is true iff the chunk was observed FROZEN, either up front or
// mid-scan, in which case the caller must help the chunk's rebalance and
// retry elsewhere rather than treat this as "empty".
func (c *chunk[K]) tryPop(tid int) (key K, ok bool, frozen bool) {
	if c.getStatus() == chunkFrozen {
		return key, false, true
	}

	for {
		curr := scanFirstLive(&c.beginSentinel)
		if curr.idx == sentinelIdx {
			return key, false, false
		}

		idx := curr.idx
		if !c.ppa.TryPublish(tid, ppaPop, idx) {
			return key, false, true
		}

		if logicalDeleteElement(curr) {
			key = curr.key
			c.ppa.Clear(tid, ppaPop, idx)
			return key, true, false
		}

		// lost the race to delete curr; someone else popped it first.
		// undo our publish and retry the scan.
		c.ppa.Clear(tid, ppaPop, idx)
	}
}

// scanFirstLive walks from begin, opportunistically splicing out marked
// nodes, and returns the first unmarked element (which may be the end
// sentinel, recognizable by idx == sentinelIdx).
func scanFirstLive[K any](begin *element[K]) *element[K] {
	prev := begin
	curr, _ := prev.next.Load()

	for {
		if curr.idx == sentinelIdx {
			return curr
		}

		succ, marked := curr.next.Load()
		if !marked {
			return curr
		}

		if prev.next.CompareAndSwap(curr, false, succ, false) {
			curr = succ
			continue
		}

		// splice lost the race; restart from begin.
		prev = begin
		curr, _ = prev.next.Load()
	}
}

// liveCount walks the intra-chunk list counting unmarked elements. It is
// used only by Queue.Len, which spec §6 documents as unsynchronized and
// diagnostic-only.
func (c *chunk[K]) liveCount() int {
	n := 0
	curr, _ := c.beginSentinel.next.Load()
	for curr.idx != sentinelIdx {
		if _, marked := curr.next.Load(); !marked {
			n++
		}
		curr, _ = curr.next.Load()
	}
	return n
}
