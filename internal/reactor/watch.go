package reactor

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// ReadySource blocks until it has something to consume. Implementations must
// return when ctx is cancelled.
type ReadySource interface {
	WaitReady(ctx context.Context) error
}

// ReadySourceFunc adapts a function to ReadySource.
type ReadySourceFunc func(ctx context.Context) error

// WaitReady calls f(ctx).
func (f ReadySourceFunc) WaitReady(ctx context.Context) error {
	return f(ctx)
}

// Watcher forwards readiness of one source to a loop.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	name   string
}

// Watch calls fn on l each time src reports readiness. The next wait starts
// only after fn has returned, so a level-triggered source is consumed by fn
// before it is polled again.
func Watch(l *Loop, name string, src ReadySource, fn func()) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		cancel: cancel,
		done:   make(chan struct{}),
		name:   name,
	}

	go w.run(ctx, l, src, fn)

	return w
}

func (w *Watcher) run(ctx context.Context, l *Loop, src ReadySource, fn func()) {
	defer close(w.done)

	for {
		if err := src.WaitReady(ctx); err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("watcher", w.name).Msg("Ready source closed")
			}

			return
		}

		if ctx.Err() != nil {
			return
		}

		handled := make(chan struct{})

		if !l.Post(func() {
			defer close(handled)

			if ctx.Err() == nil {
				fn()
			}
		}) {
			return
		}

		select {
		case <-handled:
		case <-l.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop disables notification. It does not wait, so it is safe to call from
// the callback itself; use Done to wait for the forwarder to exit.
func (w *Watcher) Stop() {
	w.cancel()
}

// Done is closed when the forwarder goroutine has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
