package kiwiqueue

import (
	"sort"
	"unsafe"
)

// rebalanceObject is the consensus token all threads helping one
// rebalance converge on (spec C5). first is the chunk that created it;
// next sweeps forward through candidate chunks during engage, ultimately
// reaching nil (no more chunks) or a chunk already claimed by a different
// RO.
type rebalanceObject[K any] struct {
	first *chunk[K]
	next  markRef[chunk[K]]
}

// rebalanceReplaceMaxAttempts bounds how many times Replace re-derives its
// predecessor before concluding a concurrent goroutine already finished
// this exact rebalance and it is safe to stand down. This is a pragmatic
// termination bound: the original algorithm's lock-freedom guarantee is
// that *some* thread always makes progress, not that any specific thread
// does, so a thread observing repeated "my work is already done elsewhere"
// signals is exactly the intended abandon-and-retry-elsewhere case.
const rebalanceReplaceMaxAttempts = 64

// rebalanceHelpProbability damps how often TryPop, on encountering a
// FROZEN chunk away from the head, stops to help finish its rebalance
// instead of continuing its own scan (spec §4.7: "always help at the head
// to guarantee progress"), and how often replaceChunks helps a predecessor
// stuck mid-rebalance. Push always helps and does not use it.
const rebalanceHelpProbability = 0.5

// driveRebalance runs the engage -> freeze -> build -> replace -> normalize
// protocol (spec §4.5) starting from chunk c. It is always safe to call
// redundantly from multiple goroutines (idempotent helping, spec §8
// property 7): engage converges on a single shared RO, and only the
// goroutine whose Replace call wins the final CAS runs normalize.
func driveRebalance[K any](q *Queue[K], c *chunk[K]) {
	ro, last := engageRebalance(q, c)
	q.hooks.fire("engage", ro.first.minKey)

	freezeChunks(ro, last)
	q.hooks.fire("freeze", ro.first.minKey)

	keys := buildPreservedKeys(ro, last, q.cmp)
	oldChunks := collectEngaged(ro, last)
	newChunks := distributeChunks(keys, ro.first.capacity, q.threadSlots, q.cmp, ro.first)
	q.hooks.fire("build", ro.first.minKey)

	won := replaceChunks(q, ro, last, newChunks)
	q.hooks.fire("replace", ro.first.minKey)

	if won {
		normalizeChunks(q, ro, oldChunks, newChunks)
	}
}

// engageRebalance installs (or joins) a rebalance object on c and extends
// its engaged range per the policy in policy.go, per spec §4.5 Engage.
func engageRebalance[K any](q *Queue[K], c *chunk[K]) (*rebalanceObject[K], *chunk[K]) {
	ro := c.ro.Load()
	if ro == nil {
		candidate := &rebalanceObject[K]{first: c}
		initialNext, _ := c.next.Load()
		candidate.next.Store(initialNext, false)
		if c.ro.CompareAndSwap(nil, candidate) {
			ro = candidate
		} else {
			ro = c.ro.Load()
		}
	}

	last := ro.first
	for {
		cur, _ := ro.next.Load()
		if cur == nil {
			break
		}
		if q.policyEngage(cur) {
			cur.ro.CompareAndSwap(nil, ro)
			if cur.ro.Load() != ro {
				// claimed by a different rebalance concurrently; stop here.
				break
			}
			last = cur
			nxt, _ := cur.next.Load()
			ro.next.CompareAndSwap(cur, false, nxt, false)
			continue
		}
		ro.next.CompareAndSwap(cur, false, nil, false)
		break
	}

	// extend last forward while last.next was engaged by a racing thread.
	for {
		nxt, marked := last.next.Load()
		if nxt == nil || marked || nxt.ro.Load() != ro {
			break
		}
		last = nxt
	}

	return ro, last
}

// freezeChunks walks ro.first..last, setting each chunk FROZEN and each of
// its PPA slots' frozen bit (spec §4.5 Freeze).
func freezeChunks[K any](ro *rebalanceObject[K], last *chunk[K]) {
	cur := ro.first
	for {
		cur.status.Store(uint32(chunkFrozen))
		cur.ppa.Freeze()
		if cur == last {
			return
		}
		nxt, _ := cur.next.Load()
		cur = nxt
	}
}

// collectEngaged returns ro.first..last inclusive, in list order.
func collectEngaged[K any](ro *rebalanceObject[K], last *chunk[K]) []*chunk[K] {
	var out []*chunk[K]
	cur := ro.first
	for {
		out = append(out, cur)
		if cur == last {
			return out
		}
		nxt, _ := cur.next.Load()
		cur = nxt
	}
}

// buildPreservedKeys scans every engaged chunk's list and PPA table,
// collecting the set of keys that must survive into the replacement
// sublist, then sorts them (spec §4.5 Build).
func buildPreservedKeys[K any](ro *rebalanceObject[K], last *chunk[K], cmp Comparator[K]) []K {
	var collected []K

	cur := ro.first
	for {
		preserve := make([]bool, cur.capacity)

		node, _ := cur.beginSentinel.next.Load()
		for node.idx != sentinelIdx {
			if _, marked := node.next.Load(); !marked {
				preserve[node.idx] = true
			}
			node, _ = node.next.Load()
		}

		for tid := range cur.ppa.slots {
			tag, idx, _ := cur.ppa.Load(tid)
			if tag == ppaPush && idx < cur.capacity {
				preserve[idx] = true
			}
		}
		for tid := range cur.ppa.slots {
			tag, idx, _ := cur.ppa.Load(tid)
			if tag == ppaPop && idx < cur.capacity {
				preserve[idx] = false
			}
		}

		for idx, keep := range preserve {
			if keep {
				collected = append(collected, cur.slots[idx].key)
			}
		}

		if cur == last {
			break
		}
		nxt, _ := cur.next.Load()
		cur = nxt
	}

	sort.Slice(collected, func(i, j int) bool { return cmp.Less(collected[i], collected[j]) })
	return collected
}

// distributeChunks fans preserved keys out into freshly allocated INFANT
// chunks, filling each to the high-water mark (N/2 + 1) before starting
// the next, per spec §4.5 Build. Each new chunk's list is pre-wired
// (k[i].next = &k[i+1], last points at its end sentinel) rather than built
// via the normal push path, since these keys are already known-sorted and
// no concurrent reader can see the chunk until it's linked in.
func distributeChunks[K any](keys []K, capacity, threadSlots int, cmp Comparator[K], parent *chunk[K]) []*chunk[K] {
	if len(keys) == 0 {
		return nil
	}

	highWater := capacity/2 + 1
	var out []*chunk[K]

	for start := 0; start < len(keys); start += highWater {
		end := start + highWater
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		nc := newChunk[K](capacity, threadSlots, cmp)
		nc.parent.Store(parent)

		for i, k := range part {
			nc.slots[i].key = k
		}
		for i := range part {
			if i == len(part)-1 {
				nc.slots[i].next.Store(&nc.endSentinel, false)
			} else {
				nc.slots[i].next.Store(&nc.slots[i+1], false)
			}
		}
		nc.beginSentinel.next.Store(&nc.slots[0], false)
		nc.i.Store(int64(len(part)))
		nc.setMinKeyOnce(part[0])

		out = append(out, nc)
	}

	for i := 0; i < len(out)-1; i++ {
		out[i].next.Store(out[i+1], false)
	}

	return out
}

// replaceChunks implements spec §4.5 Replace. It returns true iff this
// goroutine's call performed the swing (and so owns running normalize);
// a false return means another goroutine already completed this exact
// rebalance and this goroutine should simply abandon its (now garbage)
// newChunks.
func replaceChunks[K any](q *Queue[K], ro *rebalanceObject[K], last *chunk[K], newChunks []*chunk[K]) bool {
	succ, marked := last.next.Load()
	for !marked {
		if last.next.CompareAndSwap(succ, false, succ, true) {
			marked = true
			break
		}
		succ, marked = last.next.Load()
	}

	newHead := succ
	if len(newChunks) != 0 {
		newChunks[len(newChunks)-1].next.Store(succ, false)
		newHead = newChunks[0]
	}

	firstKey := ro.first.minKey
	attempts := 0
	for {
		pred := q.index.LoadStrictPrev(firstKey)
		if pred == nil {
			pred = q.head
		}

		predNext, predMarked := pred.next.Load()
		switch {
		case !predMarked && predNext == ro.first:
			if pred.next.CompareAndSwap(ro.first, false, newHead, false) {
				return true
			}
			continue

		case predMarked && predNext == ro.first && pred.getStatus() == chunkFrozen:
			// pred already closed its own old sublist (marked pred.next) as
			// part of its own Replace step, but pred.next still points at
			// ro.first: pred is itself stuck mid-rebalance and nobody has
			// swung *its* predecessor yet. Help it converge so the next
			// LoadStrictPrev resolves to pred's live replacement (spec §4.5
			// Replace step 4).
			if q.coinFlip(rebalanceHelpProbability) {
				driveRebalance(q, pred)
			}
			continue
		}

		attempts++
		if attempts > rebalanceReplaceMaxAttempts {
			return false
		}
	}
}

// normalizeChunks runs spec §4.5 Normalize: delete the engaged chunks'
// index entries, insert the replacement chunks' index entries and flip
// them INFANT -> NORMAL, fire the observability hook, and hand both the
// old chunks and the RO to the allocator for reclamation.
func normalizeChunks[K any](q *Queue[K], ro *rebalanceObject[K], oldChunks, newChunks []*chunk[K]) {
	for _, old := range oldChunks {
		q.index.DeleteConditional(old.minKey, old)
	}

	var prevNew *chunk[K]
	for _, nc := range newChunks {
		for !q.index.PutConditional(nc.minKey, prevNew, nc) {
			prevNew = q.index.LoadPrev(nc.minKey)
		}
		nc.casStatus(chunkInfant, chunkNormal)
		prevNew = nc
	}

	q.hooks.fire("normalize", ro.first.minKey)

	for _, old := range oldChunks {
		q.allocator.Reclaim(unsafe.Pointer(old), chunkFreelist)
	}
	q.allocator.Reclaim(unsafe.Pointer(ro), roFreelist)
}
