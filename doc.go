// Package kiwiqueue implements a lock-free concurrent priority queue: an
// ordered multiset of comparable keys supporting Push and TryPop, where
// TryPop removes an approximate minimum. It is built for many-core
// machines where many goroutines push and pop concurrently with no
// blocking locks on any path.
//
// The design follows the KiWi queue: keys live in fixed-capacity Chunks
// linked into a sorted list, each Chunk holding its own lock-free sorted
// element list. A concurrent skip list (the chunk index) accelerates
// locating the chunk that owns a given key. When a chunk saturates or a
// policy heuristic trips, a rebalance engages a contiguous run of chunks,
// freezes them against further in-flight pushes, rebuilds their live keys
// into fresh chunks, and swings the chunk list to point at the
// replacement. All of this is driven by compare-and-swap; no goroutine
// ever parks on a lock or channel waiting on another. (Acquiring one of
// the fixed thread slots used internally to track in-flight operations
// degrades to CAS-spin contention once more goroutines are pushing or
// popping concurrently than there are slots -- see Queue's docs -- but
// that spin never blocks the runtime scheduler the way a channel
// receive would.)
//
// Strict priority is not guaranteed: TryPop returns some element from the
// first non-empty chunk it finds starting at the head, not necessarily the
// global minimum under concurrent mutation. See the Queue docs for the
// precise linearization points.
package kiwiqueue
