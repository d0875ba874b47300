package kiwiqueue

import (
	"math/rand/v2"
	"sync/atomic"
)

// indexMaxLevel bounds the tower height of the chunk index's skip list.
// 32 levels comfortably supports far more than any realistic chunk count
// (2^32 chunks is not a queue anyone will build).
const indexMaxLevel = 32

// indexNode is one entry of the chunk index (spec C7): a key (a chunk's
// min_key) mapped to the chunk that currently owns it, with a tower of
// markRef next-pointers, one per level it participates in.
type indexNode[K any] struct {
	key      K
	val      atomic.Pointer[chunk[K]]
	topLevel int
	next     []markRef[indexNode[K]]
}

func newIndexNode[K any](key K, val *chunk[K], topLevel int) *indexNode[K] {
	n := &indexNode[K]{key: key, topLevel: topLevel, next: make([]markRef[indexNode[K]], topLevel+1)}
	n.val.Store(val)
	return n
}

// randomLevel draws a geometric level in [0, indexMaxLevel), going up one
// more level with probability 1/2 each time (the usual skip-list
// distribution).
func randomLevel() int {
	level := 0
	for level < indexMaxLevel-1 && rand.Uint64()&1 == 0 {
		level++
	}
	return level
}

// chunkIndex is a concurrent ordered map from key to *chunk[K], keyed by
// chunk min_key (spec §4.6): a Harris/Fraser-style lock-free skip list
// with CAS-based marking and physical unlinking on the next find that
// passes over a marked node. A lost race on an index CAS never compromises
// queue safety -- only its asymptotic lookup performance -- so failures
// here are handled by falling back to a linear chunk-list walk, never by
// panicking or retrying forever.
type chunkIndex[K any] struct {
	cmp  Comparator[K]
	head *indexNode[K]
	tail *indexNode[K]
}

func newChunkIndex[K any](cmp Comparator[K]) *chunkIndex[K] {
	idx := &chunkIndex[K]{cmp: cmp}
	idx.tail = &indexNode[K]{topLevel: indexMaxLevel - 1, next: make([]markRef[indexNode[K]], indexMaxLevel)}
	idx.head = &indexNode[K]{topLevel: indexMaxLevel - 1, next: make([]markRef[indexNode[K]], indexMaxLevel)}
	for l := range idx.head.next {
		idx.head.next[l].Store(idx.tail, false)
	}
	return idx
}

func (x *chunkIndex[K]) less(a, b *indexNode[K]) bool {
	if a == x.head || b == x.tail {
		return a != b
	}
	if b == x.head || a == x.tail {
		return false
	}
	return x.cmp.Less(a.key, b.key)
}

// find locates, at every level, the predecessor/successor pair around key,
// splicing out any marked nodes it passes over along the way. preds[l] is
// never itself marked by the time find returns it (or it is head).
func (x *chunkIndex[K]) find(key K) (preds, succs [indexMaxLevel]*indexNode[K]) {
	target := &indexNode[K]{key: key}
retry:
	pred := x.head
	for level := indexMaxLevel - 1; level >= 0; level-- {
		curr, _ := pred.next[level].Load()
		for {
			if curr == x.tail {
				break
			}
			succ, marked := curr.next[level].Load()
			for marked {
				if !pred.next[level].CompareAndSwap(curr, false, succ, false) {
					goto retry
				}
				curr = succ
				if curr == x.tail {
					break
				}
				succ, marked = curr.next[level].Load()
			}
			if curr == x.tail || !x.less(curr, target) {
				break
			}
			pred = curr
			curr, _ = pred.next[level].Load()
		}
		preds[level] = pred
		succs[level] = curr
	}
	return
}

// LoadPrev returns the chunk stored at the largest key <= the given key,
// or nil if no such entry exists (meaning: the caller should fall back to
// the global head of the chunk list).
func (x *chunkIndex[K]) LoadPrev(key K) *chunk[K] {
	preds, succs := x.find(key)
	node := preds[0]
	if succ := succs[0]; succ != x.tail && equivalent(x.cmp, succ.key, key) {
		node = succ
	}
	if node == x.head {
		return nil
	}
	return node.val.Load()
}

// LoadStrictPrev returns the chunk indexed at the largest key strictly
// less than the given key, or nil if none exists. Unlike LoadPrev, an
// entry indexed at exactly key is never returned: this is what
// replaceChunks needs to find ro.first's physical predecessor in the
// chunk list, since ro.first's own index entry (keyed at its own
// min_key) is still present at that point and would otherwise shadow
// the real predecessor via an exact-key match.
func (x *chunkIndex[K]) LoadStrictPrev(key K) *chunk[K] {
	preds, _ := x.find(key)
	if preds[0] == x.head {
		return nil
	}
	return preds[0].val.Load()
}

// PutConditional inserts key -> val iff the current value stored at the
// predecessor position for key equals expectedPrev (identity comparison).
// This is how the rebalance engine prevents inserting into a subrange
// that's concurrently being replaced: the engaged chunk's stale identity
// won't match, and the CAS naturally fails.
func (x *chunkIndex[K]) PutConditional(key K, expectedPrev *chunk[K], val *chunk[K]) bool {
	topLevel := randomLevel()
	for {
		preds, succs := x.find(key)
		if succ := succs[0]; succ != x.tail && equivalent(x.cmp, succ.key, key) {
			// already present: only proceed if it's the expected value,
			// updating its payload in place.
			if succ.val.Load() != expectedPrev {
				return false
			}
			succ.val.Store(val)
			return true
		}
		if preds[0] != x.head && preds[0].val.Load() != expectedPrev {
			return false
		}
		if preds[0] == x.head && expectedPrev != nil {
			return false
		}

		node := newIndexNode(key, val, topLevel)
		for l := 0; l <= topLevel; l++ {
			node.next[l].Store(succs[l], false)
		}
		if !preds[0].next[0].CompareAndSwap(succs[0], false, node, false) {
			continue
		}
		for l := 1; l <= topLevel; l++ {
			for {
				preds, succs = x.find(key)
				node.next[l].Store(succs[l], false)
				if preds[l].next[l].CompareAndSwap(succs[l], false, node, false) {
					break
				}
			}
		}
		return true
	}
}

// DeleteConditional removes key iff its current value equals expected,
// marking it logically deleted (so a find() in progress on another
// goroutine cannot resurrect it) and then opportunistically unlinking it.
func (x *chunkIndex[K]) DeleteConditional(key K, expected *chunk[K]) bool {
	_, succs := x.find(key)
	target := succs[0]
	if target == x.tail || !equivalent(x.cmp, target.key, key) {
		return false
	}
	if target.val.Load() != expected {
		return false
	}
	// mark from the top level down, CASing each level's next pointer to
	// the marked state; a find() splices the physical removal out later.
	for level := target.topLevel; level >= 1; level-- {
		succ, marked := target.next[level].Load()
		for !marked {
			target.next[level].CompareAndSwap(succ, false, succ, true)
			succ, marked = target.next[level].Load()
		}
	}
	succ, marked := target.next[0].Load()
	for {
		if marked {
			return false
		}
		if target.next[0].CompareAndSwap(succ, false, succ, true) {
			x.find(key) // trigger physical unlink opportunistically
			return true
		}
		succ, marked = target.next[0].Load()
	}
}
