package reactor

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed set of loops handed out round-robin.
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewPool creates n loops named <name>-<i>. n below one is treated as one.
func NewPool(name string, n int) *Pool {
	if n < 1 {
		n = 1
	}

	p := &Pool{loops: make([]*Loop, n)}
	for i := range p.loops {
		p.loops[i] = NewLoop(fmt.Sprintf("%s-%d", name, i))
	}

	return p
}

// Start starts every loop.
func (p *Pool) Start() {
	for _, l := range p.loops {
		l.Start()
	}
}

// Stop stops every loop.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
}

// Next returns the next loop in round-robin order.
func (p *Pool) Next() *Loop {
	i := p.next.Add(1) - 1
	return p.loops[i%uint64(len(p.loops))]
}

// Loops returns the loops of the pool.
func (p *Pool) Loops() []*Loop {
	return p.loops
}

// Size returns the number of loops.
func (p *Pool) Size() int {
	return len(p.loops)
}
