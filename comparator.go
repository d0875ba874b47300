package kiwiqueue

import "golang.org/x/exp/constraints"

// Comparator is a total order functor over keys of type K.
//
// Less must be transitive and antisymmetric. Keys for which
// !Less(a, b) && !Less(b, a) are treated as equivalent and may both be
// present in the queue (it is a multiset, not a set).
type Comparator[K any] interface {
	Less(a, b K) bool
}

// OrderedComparator is the default Comparator for any constraints.Ordered
// key type, using the natural '<' order.
type OrderedComparator[K constraints.Ordered] struct{}

func (OrderedComparator[K]) Less(a, b K) bool { return a < b }

// comparatorFunc adapts a plain function to the Comparator interface.
type comparatorFunc[K any] func(a, b K) bool

func (f comparatorFunc[K]) Less(a, b K) bool { return f(a, b) }

// ComparatorFunc wraps a Less function as a Comparator.
func ComparatorFunc[K any](less func(a, b K) bool) Comparator[K] {
	return comparatorFunc[K](less)
}

// equivalent reports whether a and b are tied under cmp (neither is less
// than the other).
func equivalent[K any](cmp Comparator[K], a, b K) bool {
	return !cmp.Less(a, b) && !cmp.Less(b, a)
}
