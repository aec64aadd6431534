package reactor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PerKeyOrdering(t *testing.T) {
	p := NewPool(8, 64)
	defer p.Close()

	type key struct{ id int }
	const keys, tasks = 4, 200

	var mu sync.Mutex
	seen := make(map[int][]int)
	var wg sync.WaitGroup
	wg.Add(keys * tasks)

	for k := 0; k < keys; k++ {
		k := k
		kptr := &key{id: k}
		go func() {
			for i := 0; i < tasks; i++ {
				i := i
				require.NoError(t, p.Submit(kptr, func() {
					mu.Lock()
					seen[k] = append(seen[k], i)
					mu.Unlock()
					wg.Done()
				}))
			}
		}()
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		require.Len(t, seen[k], tasks)
		for i, v := range seen[k] {
			assert.Equal(t, i, v, "key %d executed out of order", k)
		}
	}
}

func TestPool_NilKeyRunsUnordered(t *testing.T) {
	p := NewPool(4, 16)
	defer p.Close()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(nil, func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 64, n)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(1, 4)
	p.Close()
	assert.ErrorIs(t, p.Submit(nil, func() {}), ErrPoolClosed)
}
