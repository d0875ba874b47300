package kiwiqueue

// Hooks is the capability set an embedder can supply to observe or
// override queue internals, replacing the source implementation's use of
// inheritance-based mock injection (spec §9 design note) with plain
// parameterization. Both fields default to no-ops in production.
type Hooks struct {
	// OnRebalance is called at each major rebalance stage ("engage",
	// "freeze", "build", "replace", "normalize") with the min_key of the
	// first engaged chunk, letting an embedder wire it to its own logger
	// or metrics without the queue itself taking a logging dependency.
	OnRebalance func(stage string, firstMinKey any)

	// PolicyOverride, if set, replaces the default engage/check heuristic
	// (policy.go) for deciding whether a chunk should be rebalanced.
	PolicyOverride func(stat ChunkStat) bool
}

func (h Hooks) fire(stage string, firstMinKey any) {
	if h.OnRebalance != nil {
		h.OnRebalance(stage, firstMinKey)
	}
}

// queueConfig accumulates Option values before NewQueue builds a Queue.
type queueConfig[K any] struct {
	cmp         Comparator[K]
	capacity    int
	threadSlots int
	allocator   Allocator
	hooks       Hooks
	seed        uint64
}

// Option configures a Queue at construction time.
type Option[K any] func(*queueConfig[K])

// WithComparator supplies a custom key order. Required by NewQueue for
// every key type; optional with NewOrdered, which defaults to
// OrderedComparator.
func WithComparator[K any](cmp Comparator[K]) Option[K] {
	return func(c *queueConfig[K]) { c.cmp = cmp }
}

// WithCapacity sets the fixed per-chunk slot capacity N. Default 1024.
func WithCapacity[K any](n int) Option[K] {
	return func(c *queueConfig[K]) { c.capacity = n }
}

// WithThreadSlots bounds the number of concurrently in-flight operations
// (the PPA width, T). Default runtime.GOMAXPROCS(0) * 4.
func WithThreadSlots[K any](t int) Option[K] {
	return func(c *queueConfig[K]) { c.threadSlots = t }
}

// WithAllocator supplies a custom Allocator. Default NoopAllocator.
func WithAllocator[K any](a Allocator) Option[K] {
	return func(c *queueConfig[K]) { c.allocator = a }
}

// WithHooks supplies observability/policy hooks. Default zero-value Hooks
// (both fields nil, i.e. no-op).
func WithHooks[K any](h Hooks) Option[K] {
	return func(c *queueConfig[K]) { c.hooks = h }
}

// WithSeed fixes the seed for the dampening-coin-flip PRNG, for
// reproducible tests (spec §8 S5 seeds with 0xDEADBEEF). Default seed is
// derived from the wall clock at construction time.
func WithSeed[K any](seed uint64) Option[K] {
	return func(c *queueConfig[K]) { c.seed = seed }
}
