package kiwiqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestChunkList(capacity int) (*chunk[int], Comparator[int]) {
	cmp := OrderedComparator[int]{}
	c := newChunk[int](capacity, 4, cmp)
	return c, cmp
}

func TestPushIntoList_SortedOrder(t *testing.T) {
	c, cmp := newTestChunkList(8)

	keys := []int{5, 1, 4, 2, 3}
	for i, k := range keys {
		c.slots[i].key = k
		pushIntoList(cmp, &c.beginSentinel, &c.slots[i])
	}

	var got []int
	node, _ := c.beginSentinel.next.Load()
	for node.idx != sentinelIdx {
		got = append(got, node.key)
		node, _ = node.next.Load()
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestPushIntoList_PreservesFIFOAmongEqualKeys(t *testing.T) {
	c, cmp := newTestChunkList(8)

	for i := 0; i < 4; i++ {
		c.slots[i].key = 7
		pushIntoList(cmp, &c.beginSentinel, &c.slots[i])
	}

	var order []int
	node, _ := c.beginSentinel.next.Load()
	for node.idx != sentinelIdx {
		order = append(order, node.idx)
		node, _ = node.next.Load()
	}

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestLogicalDeleteElement(t *testing.T) {
	c, cmp := newTestChunkList(4)
	c.slots[0].key = 10
	pushIntoList(cmp, &c.beginSentinel, &c.slots[0])

	assert.True(t, logicalDeleteElement(&c.slots[0]))
	assert.False(t, logicalDeleteElement(&c.slots[0]), "deleting twice should report false the second time")

	_, marked := c.slots[0].next.Load()
	assert.True(t, marked)
}

func TestFindInList_SplicesLoggedDeletedNodes(t *testing.T) {
	c, cmp := newTestChunkList(8)

	keys := []int{1, 2, 3, 4}
	for i, k := range keys {
		c.slots[i].key = k
		pushIntoList(cmp, &c.beginSentinel, &c.slots[i])
	}

	assert.True(t, logicalDeleteElement(&c.slots[1])) // key 2
	assert.True(t, logicalDeleteElement(&c.slots[2])) // key 3

	prev, curr := findInList(cmp, &c.beginSentinel, 4)
	assert.Equal(t, 4, curr.key)
	assert.Equal(t, 1, prev.key, "the deleted 2 and 3 nodes should have been physically spliced out")
}

func TestPushIntoList_ConcurrentInsertsStaySorted(t *testing.T) {
	const n = 200
	c, cmp := newTestChunkList(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.slots[i].key = (i * 7919) % n
			pushIntoList(cmp, &c.beginSentinel, &c.slots[i])
		}()
	}
	wg.Wait()

	var got []int
	node, _ := c.beginSentinel.next.Load()
	for node.idx != sentinelIdx {
		got = append(got, node.key)
		node, _ = node.next.Load()
	}

	assert.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
}
