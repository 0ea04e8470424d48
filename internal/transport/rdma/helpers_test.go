package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/testutil"
)

// eventRecorder copies every event into a channel. Receive payloads alias
// the receive slot, so they are copied before the handler returns.
type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 256)}
}

func (r *eventRecorder) HandleEvent(ev Event) {
	if ev.Data != nil {
		ev.Data = append([]byte(nil), ev.Data...)
	}

	r.ch <- ev
}

// next returns the next event and checks its kind.
func (r *eventRecorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()

	ev := testutil.WaitFor(t, r.ch, kind.String()+" event")
	require.Equal(t, kind, ev.Kind, "unexpected event %s: %v", ev.Kind, ev.Err)

	return ev
}

// none checks that no event arrives within d.
func (r *eventRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected %s event: %v", ev.Kind, ev.Err)
	case <-time.After(d):
	}
}

func startLoop(t *testing.T, name string) *reactor.Loop {
	t.Helper()

	loop := reactor.NewLoop(name)
	loop.Start()
	t.Cleanup(loop.Stop)

	return loop
}

// onLoop runs fn on loop and waits for it.
func onLoop(t *testing.T, loop *reactor.Loop, fn func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	require.NoError(t, loop.Invoke(ctx, fn))
}

func testConnectionConfig(device string) ConnectionConfig {
	return ConnectionConfig{
		DeviceName: device,
		Port:       1,
		SlotSize:   4096,
		SlotCount:  4,
	}
}

// newTestConnection builds a connection on its own loop. It is torn down
// when the test ends.
func newTestConnection(t *testing.T, backend *SimulatedVerbsBackend, cfg ConnectionConfig) (*Connection, *eventRecorder) {
	t.Helper()

	events := newEventRecorder()
	loop := startLoop(t, cfg.DeviceName)

	cfg.Backend = backend
	cfg.Loop = loop
	cfg.Handler = events

	conn, err := NewConnection(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
		defer cancel()

		_ = loop.Invoke(ctx, func() {
			if conn.ConnectDestroyed() != nil {
				conn.Close()
			}
		})
	})

	return conn, events
}

// connectPair wires two connections together the way a handshake would and
// waits for both Connected events.
func connectPair(t *testing.T, a, b *Connection, evA, evB *eventRecorder) {
	t.Helper()

	idA, idB := a.LocalIdentity(), b.LocalIdentity()

	onLoop(t, a.Loop(), func() { require.NoError(t, a.ConnectQP(idB)) })
	onLoop(t, b.Loop(), func() { require.NoError(t, b.ConnectQP(idA)) })
	onLoop(t, a.Loop(), func() { require.NoError(t, a.ConnectEstablished()) })
	onLoop(t, b.Loop(), func() { require.NoError(t, b.ConnectEstablished()) })

	evA.next(t, EventConnected)
	evB.next(t, EventConnected)
}

func assertNoOpenResources(t *testing.T, backend *SimulatedVerbsBackend) {
	t.Helper()

	for kind, n := range backend.OpenResources() {
		require.Zero(t, n, "leaked %s", kind)
	}
}
