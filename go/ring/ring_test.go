package ring

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchQueueFIFO(t *testing.T) {
	q := NewPrefetchQueue[int](4)
	for i := 0; i < 4; i++ {
		v := i
		require.True(t, q.TryPush(&v))
	}
	// full
	v := 99
	assert.False(t, q.TryPush(&v))

	for i := 0; i < 4; i++ {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, *got)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestWorkQueueConservation(t *testing.T) {
	const n = 10000
	const workers = 8
	q := NewWorkQueue[int](256)

	var pushed int64
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			v := i
			for !q.Push(&v) {
			}
			atomic.AddInt64(&pushed, 1)
		}
		q.SetEpochDone()
		close(done)
	}()

	var popped int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.Pop(); ok {
					atomic.AddInt64(&popped, 1)
					continue
				}
				if q.EpochDone() && q.Drained() {
					return
				}
			}
		}()
	}

	<-done
	wg.Wait()

	assert.Equal(t, int64(n), pushed)
	assert.Equal(t, int64(n), popped)
	pushedTotal, poppedTotal := q.Counts()
	assert.Equal(t, pushedTotal, poppedTotal)
	assert.True(t, q.Drained())
}

func TestWorkQueueResetEpoch(t *testing.T) {
	q := NewWorkQueue[int](4)
	v := 1
	q.Push(&v)
	q.Pop()
	q.SetEpochDone()
	assert.True(t, q.EpochDone())

	q.ResetEpoch()
	assert.False(t, q.EpochDone())
	p, popd := q.Counts()
	assert.Zero(t, p)
	assert.Zero(t, popd)
}
