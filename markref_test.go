package kiwiqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkRef_LoadStore(t *testing.T) {
	a, b := 1, 2
	r := newMarkRef[int](&a, false)

	ptr, marked := r.Load()
	assert.Same(t, &a, ptr)
	assert.False(t, marked)

	r.Store(&b, true)
	ptr, marked = r.Load()
	assert.Same(t, &b, ptr)
	assert.True(t, marked)
}

func TestMarkRef_CompareAndSwap(t *testing.T) {
	a, b := 1, 2
	r := newMarkRef[int](&a, false)

	assert.False(t, r.CompareAndSwap(&b, false, &b, true), "CAS on wrong expected pointer must fail")
	assert.True(t, r.CompareAndSwap(&a, false, &b, true))

	ptr, marked := r.Load()
	assert.Same(t, &b, ptr)
	assert.True(t, marked)
}

func TestMarkRef_SetMark(t *testing.T) {
	a := 1
	r := newMarkRef[int](&a, false)

	assert.True(t, r.SetMark(&a, true))
	_, marked := r.Load()
	assert.True(t, marked)

	// already at want=true, with matching pointer: reports true
	assert.True(t, r.SetMark(&a, true))

	b := 2
	r2 := newMarkRef[int](&a, true)
	// already marked as wanted, but pointer doesn't match expectPtr
	assert.False(t, r2.SetMark(&b, true))
}

func TestMarkRef_ConcurrentSetMark(t *testing.T) {
	a := 1
	r := newMarkRef[int](&a, false)

	var wg sync.WaitGroup
	successes := make([]bool, 16)
	for i := range successes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = r.SetMark(&a, true)
		}(i)
	}
	wg.Wait()

	_, marked := r.Load()
	assert.True(t, marked)

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, len(successes), count, "every concurrent SetMark(true) against a stable pointer should report success")
}
