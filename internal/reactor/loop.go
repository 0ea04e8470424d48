// Package reactor provides the single-goroutine event loops the transport
// pins its connections to.
//
// A Loop runs posted tasks one at a time, in the order they were posted, on
// its own goroutine. Readiness sources such as an RDMA completion channel are
// attached with Watch: a forwarder goroutine blocks on the source and posts
// the callback, so every callback still runs on the loop.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrLoopStopped is returned when work is handed to a stopped loop.
var ErrLoopStopped = errors.New("reactor: loop stopped")

// TimerID identifies a timer created by RunAfter.
type TimerID uint64

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	timers    map[TimerID]*time.Timer
	wake      chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	name      string
	tasks     []func()
	nextTimer TimerID
	mu        sync.Mutex
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   bool // guarded by mu
}

// NewLoop creates a loop. Tasks posted before Start run once it starts.
func NewLoop(name string) *Loop {
	return &Loop{
		name:   name,
		timers: make(map[TimerID]*time.Timer),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}

	go l.run()
}

// Stop stops the loop after the tasks already queued have run and waits for
// the loop goroutine to exit. It must not be called from a task on this loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true

		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
		l.mu.Unlock()

		close(l.stopCh)
	})

	if !l.started.Load() {
		return
	}

	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("loop", l.name).Msg("Timed out waiting for loop to drain")
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop. It never blocks. It returns false once
// Stop has begun, and fn is dropped; a task accepted before that always runs.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}

	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Invoke runs fn on the loop and waits for it to return. It must not be
// called from a task running on the same loop.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop drains its queue before exiting, so fn may still have run.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAfter posts fn to the loop once d has elapsed.
func (l *Loop) RunAfter(d time.Duration, fn func()) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextTimer++
	id := l.nextTimer

	l.timers[id] = time.AfterFunc(d, func() {
		l.mu.Lock()
		_, live := l.timers[id]
		delete(l.timers, id)
		l.mu.Unlock()

		if live {
			l.Post(fn)
		}
	})

	return id
}

// Cancel stops a timer that has not fired yet.
func (l *Loop) Cancel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[id]
	if !ok {
		return false
	}

	delete(l.timers, id)

	return t.Stop()
}

func (l *Loop) run() {
	defer close(l.done)

	log.Debug().Str("loop", l.name).Msg("Loop started")

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.stopCh:
			l.drain()
			log.Debug().Str("loop", l.name).Msg("Loop stopped")

			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}

		for _, fn := range tasks {
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("loop", l.name).Interface("panic", r).Msg("Recovered panic in loop task")
		}
	}()

	fn()
}
