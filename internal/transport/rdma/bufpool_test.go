package rdma

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlotPool(n int) *SlotPool {
	slots := make([]Slot, n)
	for i := range slots {
		slots[i] = Slot{ID: i, Buf: make([]byte, 16), Addr: uint64(0x1000 * (2*i + 1))}
	}

	return newSlotPool(slots)
}

func TestSlotPoolAcquireRelease(t *testing.T) {
	pool := newTestSlotPool(4)
	assert.Equal(t, 4, pool.Len())
	assert.Equal(t, 4, pool.Free())

	var held []Slot

	for i := 0; i < 4; i++ {
		slot, ok := pool.Acquire()
		require.True(t, ok)
		assert.Equal(t, i, slot.ID)

		held = append(held, slot)
	}

	_, ok := pool.Acquire()
	assert.False(t, ok, "pool should be exhausted")
	assert.Zero(t, pool.Free())

	assert.True(t, pool.Release(held[2].ID))
	assert.True(t, pool.Release(held[0].ID))

	// Released slots come back in release order.
	slot, ok := pool.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, slot.ID)
}

func TestSlotPoolReleaseNotHeld(t *testing.T) {
	pool := newTestSlotPool(2)

	assert.False(t, pool.Release(0), "never acquired")
	assert.False(t, pool.Release(-1))
	assert.False(t, pool.Release(2))

	slot, ok := pool.Acquire()
	require.True(t, ok)
	assert.True(t, pool.Release(slot.ID))
	assert.False(t, pool.Release(slot.ID), "double release")
	assert.Equal(t, 2, pool.Free())
}

func TestSlotPoolConcurrent(t *testing.T) {
	pool := newTestSlotPool(8)

	var wg sync.WaitGroup

	for g := 0; g < 16; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 1000; i++ {
				slot, ok := pool.Acquire()
				if !ok {
					continue
				}

				slot.Buf[0]++
				pool.Release(slot.ID)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 8, pool.Free())
}

func TestSlotPoolClose(t *testing.T) {
	pool := newTestSlotPool(3)

	a, ok := pool.Acquire()
	require.True(t, ok)
	b, ok := pool.Acquire()
	require.True(t, ok)

	drained := 0
	pool.Close(func() { drained++ })

	assert.True(t, pool.Closed())
	assert.Zero(t, pool.Free())
	assert.Equal(t, 2, pool.Held())

	_, ok = pool.Acquire()
	assert.False(t, ok, "closed pool lends nothing")

	assert.True(t, pool.Release(a.ID))
	assert.Zero(t, drained, "a slot is still held")
	assert.Zero(t, pool.Free(), "released slots do not return to a closed pool")

	assert.True(t, pool.Release(b.ID))
	assert.Equal(t, 1, drained)
	assert.False(t, pool.Release(b.ID))

	pool.Close(func() { drained++ })
	assert.Equal(t, 1, drained, "second close does nothing")
}

func TestSlotPoolCloseIdle(t *testing.T) {
	pool := newTestSlotPool(2)

	drained := false
	pool.Close(func() { drained = true })

	assert.True(t, drained)
	assert.Zero(t, pool.Held())
}
