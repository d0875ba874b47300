package kiwiqueue

import "sync/atomic"

// ppaTag identifies what, if anything, a thread's PPA slot currently
// advertises about its in-flight operation on a chunk (spec C3).
type ppaTag uint32

const (
	ppaIdle ppaTag = 0
	ppaPush ppaTag = 1
	ppaPop  ppaTag = 2
)

// The PPA slot is a single atomic 32-bit word: bit 31 is the sticky FROZEN
// bit, bits 29-30 are the tag, and the low 29 bits are the slot index. 29
// bits comfortably exceeds any realistic chunk capacity.
const (
	ppaFrozenBit  = uint32(1) << 31
	ppaTagShift   = 29
	ppaTagMask    = uint32(0b11) << ppaTagShift
	ppaIndexMask  = uint32(1)<<ppaTagShift - 1
	ppaMaxIndex   = int(ppaIndexMask)
)

func packPPA(tag ppaTag, index int, frozen bool) uint32 {
	v := (uint32(tag) << ppaTagShift) | (uint32(index) & ppaIndexMask)
	if frozen {
		v |= ppaFrozenBit
	}
	return v
}

func unpackPPA(v uint32) (tag ppaTag, index int, frozen bool) {
	tag = ppaTag((v & ppaTagMask) >> ppaTagShift)
	index = int(v & ppaIndexMask)
	frozen = v&ppaFrozenBit != 0
	return
}

// ppaTable is the per-chunk array of PPA slots, one per registered thread
// slot (spec C3, sized by the thread identifier service, §6).
type ppaTable struct {
	slots []atomic.Uint32
}

func newPPATable(size int) *ppaTable {
	return &ppaTable{slots: make([]atomic.Uint32, size)}
}

// Load returns the current tag, index, and frozen bit for tid.
func (t *ppaTable) Load(tid int) (ppaTag, int, bool) {
	return unpackPPA(t.slots[tid].Load())
}

// TryPublish CASes the slot from IDLE (tag) to (tag, index), failing if
// the slot currently carries the FROZEN bit -- the chunk was frozen
// between the caller reserving its slot and publishing intent.
func (t *ppaTable) TryPublish(tid int, tag ppaTag, index int) bool {
	for {
		cur := t.slots[tid].Load()
		curTag, _, frozen := unpackPPA(cur)
		if frozen {
			return false
		}
		if curTag != ppaIdle {
			// a thread may only have one in-flight op at a time per chunk;
			// treat a non-idle, non-frozen slot as a logic error upstream,
			// but fail safe rather than panic on an internal assertion.
			return false
		}
		next := packPPA(tag, index, false)
		if t.slots[tid].CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Clear CASes the slot back to IDLE, provided it still holds (tag, index)
// and is not frozen. If the slot is frozen, the rebalance collector still
// needs to observe the published index, so Clear leaves it untouched and
// reports false.
func (t *ppaTable) Clear(tid int, tag ppaTag, index int) bool {
	cur := t.slots[tid].Load()
	curTag, curIdx, frozen := unpackPPA(cur)
	if frozen || curTag != tag || curIdx != index {
		return false
	}
	return t.slots[tid].CompareAndSwap(cur, packPPA(ppaIdle, 0, false))
}

// Freeze sets the FROZEN bit on every slot, looping per-slot until
// observed set, preserving whatever tag/index was already published.
func (t *ppaTable) Freeze() {
	for i := range t.slots {
		for {
			cur := t.slots[i].Load()
			tag, idx, frozen := unpackPPA(cur)
			if frozen {
				break
			}
			if t.slots[i].CompareAndSwap(cur, packPPA(tag, idx, true)) {
				break
			}
		}
	}
}
