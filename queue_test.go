package kiwiqueue

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// S1: one push, one pop.
func TestQueue_S1_OnePushOnePop(t *testing.T) {
	q := NewOrdered[int]()

	assert.True(t, q.Push(42))
	k, ok := q.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 42, k)

	_, ok = q.TryPop()
	assert.False(t, ok, "queue should be empty after draining its only element")
}

// S2: ascending push, ascending drain.
func TestQueue_S2_AscendingDrain(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](8))

	for i := 1; i <= 50; i++ {
		assert.True(t, q.Push(i))
	}

	var drained []int
	for {
		k, ok := q.TryPop()
		if !ok {
			break
		}
		drained = append(drained, k)
	}

	sort.Ints(drained)
	want := make([]int, 50)
	for i := range want {
		want[i] = i + 1
	}
	if diff := cmp.Diff(want, drained); diff != "" {
		t.Fatalf("drained set mismatch (-want +got):\n%s", diff)
	}
}

// S2b: descending push, still a sorted drain (non-strict priority: any
// full drain recovers the exact multiset, in ascending order, regardless
// of push order).
func TestQueue_S2_DescendingPushStillDrainsSorted(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](8))

	for i := 50; i >= 1; i-- {
		assert.True(t, q.Push(i))
	}

	var drained []int
	for {
		k, ok := q.TryPop()
		if !ok {
			break
		}
		drained = append(drained, k)
	}

	sort.Ints(drained)
	want := make([]int, 50)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, drained)
}

// S3: rebalance trigger at N=4 pushing keys 1..17 -- exercises engage,
// freeze, build, replace, normalize at least twice over.
func TestQueue_S3_RebalanceTriggerAtSmallCapacity(t *testing.T) {
	var stages []string
	q := NewOrdered[int](WithCapacity[int](4), WithHooks[int](Hooks{
		OnRebalance: func(stage string, _ any) { stages = append(stages, stage) },
	}))

	for i := 1; i <= 17; i++ {
		assert.True(t, q.Push(i))
	}

	assert.NotEmpty(t, stages, "pushing well past a capacity-4 chunk's limit must trigger at least one rebalance")

	var drained []int
	for {
		k, ok := q.TryPop()
		if !ok {
			break
		}
		drained = append(drained, k)
	}
	sort.Ints(drained)

	want := make([]int, 17)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, drained)
}

// S4: Len reflects live element count (diagnostic, unsynchronized).
func TestQueue_S4_LenTracksLiveCount(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](4))

	assert.Equal(t, 0, q.Len())
	for i := 1; i <= 10; i++ {
		q.Push(i)
	}
	assert.Equal(t, 10, q.Len())

	q.TryPop()
	q.TryPop()
	assert.Equal(t, 8, q.Len())
}

// S5: randomized heap-sort property at N=256, seeded for reproducibility --
// push a random permutation, drain everything, the result must be the
// sorted input (every key present exactly once, spec property "drain
// recovers the exact multiset").
func TestQueue_S5_RandomizedHeapSort(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](256), WithSeed[int](0xDEADBEEF))

	r := rand.New(rand.NewSource(0xDEADBEEF))
	const n = 2000
	input := r.Perm(n)

	for _, k := range input {
		require.True(t, q.Push(k))
	}

	var drained []int
	for {
		k, ok := q.TryPop()
		if !ok {
			break
		}
		drained = append(drained, k)
	}

	want := make([]int, n)
	copy(want, input)
	sort.Ints(want)
	sort.Ints(drained)

	if diff := cmp.Diff(want, drained); diff != "" {
		t.Fatalf("drained multiset mismatch (-want +got):\n%s", diff)
	}
}

// S6: N=256 keys pushed concurrently by 8 producer goroutines, then
// drained by a single consumer -- no key lost or duplicated.
func TestQueue_S6_ConcurrentProducers(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](32))

	const producers = 8
	const perProducer = 32
	const n = producers * perProducer

	g, _ := errgroup.WithContext(context.Background())
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int]int, n)
	for {
		k, ok := q.TryPop()
		if !ok {
			break
		}
		seen[k]++
	}

	assert.Len(t, seen, n)
	for k, count := range seen {
		assert.Equal(t, 1, count, "key %d popped more than once", k)
	}
}

// S7: mixed concurrent producer/consumer workload -- every pushed key is
// eventually popped exactly once, with producers and consumers racing via
// errgroup-driven goroutines, forcing concurrent rebalances.
func TestQueue_S7_MixedConcurrentWorkload(t *testing.T) {
	q := NewOrdered[int](WithCapacity[int](16), WithSeed[int](7))

	const producers = 6
	const perProducer = 200
	const total = producers * perProducer

	popped := make(chan int, total)

	g, ctx := errgroup.WithContext(context.Background())
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
			return nil
		})
	}

	const consumers = 4
	for c := 0; c < consumers; c++ {
		g.Go(func() error {
			for {
				if k, ok := q.TryPop(); ok {
					popped <- k
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if len(popped) >= total {
					return nil
				}
			}
		})
	}

	require.NoError(t, g.Wait())

	for len(popped) < total {
		if k, ok := q.TryPop(); ok {
			popped <- k
		} else {
			break
		}
	}
	close(popped)

	seen := make(map[int]int, total)
	for k := range popped {
		seen[k]++
	}

	assert.Len(t, seen, total)
	for k, count := range seen {
		assert.Equal(t, 1, count, "key %d popped more than once", k)
	}
}

func TestQueue_NewQueuePanicsWithoutComparator(t *testing.T) {
	assert.Panics(t, func() { NewQueue[struct{ X int }]() })
}

func TestQueue_WithHooksPolicyOverride(t *testing.T) {
	var calls int
	q := NewOrdered[int](WithCapacity[int](4), WithHooks[int](Hooks{
		PolicyOverride: func(stat ChunkStat) bool {
			calls++
			return false // never voluntarily engage/check
		},
	}))

	for i := 1; i <= 4; i++ {
		q.Push(i)
	}
	assert.Greater(t, calls, 0)
}
