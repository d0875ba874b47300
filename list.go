package kiwiqueue

// element is one node of a chunk's intra-chunk sorted list (spec C2). It
// occupies a fixed slot in the owning chunk's k[0..N) array for its entire
// lifetime; idx is that slot's index, or sentinelIdx for begin/end.
//
// Logical presence is governed by two conditions: being reachable by
// following next pointers from the chunk's begin sentinel, and the next
// pointer's mark bit being clear. Physical removal (splicing a marked node
// out of the list) happens opportunistically during later finds.
type element[K any] struct {
	key  K
	idx  int
	next markRef[element[K]]
}

// sentinelIdx marks begin_sentinel / end_sentinel, which never correspond
// to a real slot in k[0..N).
const sentinelIdx = -1

// find implements the Harris-Michael search used throughout §4.2: walk
// from begin, physically splicing out any run of logically-deleted nodes
// it passes over, and return the first (prev, curr) pair such that curr is
// unmarked and curr's key is >= the searched key (or curr is the end
// sentinel).
//
// On a failed splice CAS (another goroutine is racing the same region) the
// walk restarts from begin, per spec.
func findInList[K any](cmp Comparator[K], begin *element[K], key K) (prev, curr *element[K]) {
restart:
	prev = begin
	prevNext, _ := prev.next.Load()
	curr = prevNext

	for {
		succ, marked := curr.next.Load()
		for marked {
			// curr is logically deleted; try to physically splice it out.
			if !prev.next.CompareAndSwap(curr, false, succ, false) {
				goto restart
			}
			curr = succ
			succ, marked = curr.next.Load()
		}

		if curr.idx == sentinelIdx || !cmp.Less(curr.key, key) {
			return prev, curr
		}

		prev = curr
		curr = succ
	}
}

// pushIntoList inserts elem into the sorted list anchored at begin,
// preserving the FIFO-within-equal-keys property: elem is linked in front
// of the first unmarked node whose key is greater than elem.key, i.e.
// behind every earlier element with an equal key. Duplicates are
// permitted; there is no existence check.
func pushIntoList[K any](cmp Comparator[K], begin *element[K], elem *element[K]) {
	// findInList stops at the first curr with !Less(curr.key, key); with
	// "less or equal" as Less, that is the first curr whose key is greater.
	lessOrEqual := ComparatorFunc[K](func(a, b K) bool { return !cmp.Less(b, a) })
	for {
		prev, curr := findInList(lessOrEqual, begin, elem.key)
		elem.next.Store(curr, false)
		if prev.next.CompareAndSwap(curr, false, elem, false) {
			return
		}
	}
}

// logicalDeleteElement marks elem as logically removed by flipping its
// next pointer's mark bit via CAS. Returns true if this call performed the
// deletion (false if elem was already marked, i.e. someone else deleted it
// first, or the pointer underneath elem changed concurrently).
func logicalDeleteElement[K any](elem *element[K]) bool {
	succ, marked := elem.next.Load()
	if marked {
		return false
	}
	return elem.next.CompareAndSwap(succ, false, succ, true)
}
