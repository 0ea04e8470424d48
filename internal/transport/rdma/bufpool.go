package rdma

import "sync"

// Slot is the send half of one buffer pair, lent out by the pool.
type Slot struct {
	Buf  []byte // whole slot, len == slot size
	Addr uint64 // address registered with the device
	ID   int    // buffer pair index
}

// SlotPool is the free list of send slots. A slot is held by at most one
// caller between Acquire and Release. A closed pool lends nothing.
type SlotPool struct {
	drained func() // runs once the pool is closed and no slot is held
	slots   []Slot
	free    []int // FIFO
	held    []bool
	nheld   int
	closed  bool
	mu      sync.Mutex
}

func newSlotPool(slots []Slot) *SlotPool {
	p := &SlotPool{
		slots: slots,
		free:  make([]int, 0, len(slots)),
		held:  make([]bool, len(slots)),
	}

	for i := range slots {
		p.free = append(p.free, i)
	}

	return p
}

// Acquire takes the oldest free slot. It returns false when none is free;
// the caller should retry after a send completes.
func (p *SlotPool) Acquire() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.free) == 0 {
		return Slot{}, false
	}

	id := p.free[0]
	p.free = p.free[1:]
	p.held[id] = true
	p.nheld++

	return p.slots[id], true
}

// Release returns slot id to the pool. Releasing a slot that is not held
// reports false and changes nothing. Releasing the last held slot of a
// closed pool runs its drained func.
func (p *SlotPool) Release(id int) bool {
	p.mu.Lock()

	if id < 0 || id >= len(p.held) || !p.held[id] {
		p.mu.Unlock()
		return false
	}

	p.held[id] = false
	p.nheld--

	var drained func()

	if p.closed {
		if p.nheld == 0 {
			drained, p.drained = p.drained, nil
		}
	} else {
		p.free = append(p.free, id)
	}

	p.mu.Unlock()

	if drained != nil {
		drained()
	}

	return true
}

// Close stops lending slots. drained runs once no slot is held, which is
// immediately when none is. Later calls do nothing.
func (p *SlotPool) Close(drained func()) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	p.free = nil

	if p.nheld > 0 {
		p.drained = drained
		drained = nil
	}

	p.mu.Unlock()

	if drained != nil {
		drained()
	}
}

// Closed reports whether Close has been called.
func (p *SlotPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// Free returns the number of slots available.
func (p *SlotPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// Held returns the number of slots lent out.
func (p *SlotPool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nheld
}

// Len returns the total number of slots.
func (p *SlotPool) Len() int {
	return len(p.slots)
}
