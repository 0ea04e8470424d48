package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/testutil"
)

// echoHandler sends every received payload back on the same connection.
type echoHandler struct {
	events *eventRecorder
}

func (h *echoHandler) HandleEvent(ev Event) {
	if ev.Kind == EventRecv {
		if slot, ok := ev.Conn.AcquireSendSlot(); ok {
			n := copy(slot.Buf, ev.Data)
			ev.Conn.SendSlot(slot, n, ev.Completion.WRID)
		}
	}

	h.events.HandleEvent(ev)
}

func startTestServer(t *testing.T, backend VerbsBackend, device string, handler EventHandler) *Server {
	t.Helper()

	pool := reactor.NewPool("rdma-srv", 2)
	pool.Start()

	cfg := DefaultServerConfig()
	cfg.Backend = backend
	cfg.Handler = handler
	cfg.Name = "srv"
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DeviceName = device
	cfg.SlotSize = 4096
	cfg.SlotCount = 4

	srv, err := NewServer(pool, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, srv.Running())

	t.Cleanup(func() {
		_ = srv.Stop()
		pool.Stop()
	})

	return srv
}

func newTestClient(t *testing.T, backend VerbsBackend, addr string, handler EventHandler) *Client {
	t.Helper()

	cfg := DefaultClientConfig()
	cfg.Backend = backend
	cfg.Handler = handler
	cfg.Name = "cli"
	cfg.DeviceName = "mlx5_1"
	cfg.PeerAddress = addr
	cfg.SlotSize = 4096
	cfg.SlotCount = 4
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 50 * time.Millisecond

	client, err := NewClient(startLoop(t, "rdma-cli"), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClientServerEcho(t *testing.T) {
	backend := newTestBackend(t)

	srvEvents := newEventRecorder()
	srv := startTestServer(t, backend, "mlx5_0", &echoHandler{events: srvEvents})

	cliEvents := newEventRecorder()
	client := newTestClient(t, backend, srv.Addr().String(), cliEvents)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	conn, err := client.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Same(t, conn, client.Connection())
	assert.Equal(t, "cli", conn.Name())
	cliEvents.next(t, EventConnected)

	srvEvents.next(t, EventConnected)
	require.Len(t, srv.Connections(), 1)

	srvConn := srv.Connections()[0]
	found, ok := srv.Lookup(srvConn.Name())
	require.True(t, ok)
	assert.Same(t, srvConn, found)
	assert.Equal(t, conn.LocalIdentity(), srvConn.RemoteIdentity())

	payload := testutil.Payload(7, 2048)

	slot, ok := conn.AcquireSendSlot()
	require.True(t, ok)

	n := copy(slot.Buf, payload)
	conn.SendSlot(slot, n, 11)

	testutil.AssertSameBytes(t, payload, srvEvents.next(t, EventRecv).Data)
	assert.Equal(t, uint64(11), cliEvents.next(t, EventSendComplete).Tag)
	testutil.AssertSameBytes(t, payload, cliEvents.next(t, EventRecv).Data)
	srvEvents.next(t, EventSendComplete)

	m := srv.Metrics()
	assert.Equal(t, int64(1), m.HandshakesStarted)
	assert.Equal(t, int64(1), m.Established)
	assert.Zero(t, m.HandshakesFailed)

	require.NoError(t, client.Close())
	cliEvents.next(t, EventDisconnected)
	assert.Nil(t, client.Connection())

	_, err = client.Wait(ctx)
	assert.NoError(t, err, "Wait keeps reporting the established outcome")

	require.NoError(t, srv.Stop())
	srvEvents.next(t, EventDisconnected)
	assert.Empty(t, srv.Connections())
	assert.False(t, srv.Running())

	assertNoOpenResources(t, backend)
}

func TestServerManyClients(t *testing.T) {
	backend := newTestBackend(t)

	srvEvents := newEventRecorder()
	srv := startTestServer(t, backend, "mlx5_0", srvEvents)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	for i := 0; i < 3; i++ {
		client := newTestClient(t, backend, srv.Addr().String(), nil)
		require.NoError(t, client.Connect(ctx))

		_, err := client.Wait(ctx)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		srvEvents.next(t, EventConnected)
	}

	conns := srv.Connections()
	require.Len(t, conns, 3)

	for i := 1; i < len(conns); i++ {
		assert.Less(t, conns[i-1].Name(), conns[i].Name())
	}
}

func TestClientHandshakeFailsWhenServerCannotOpenDevice(t *testing.T) {
	backend := newTestBackend(t)

	srv := startTestServer(t, backend, "mlx5_404", nil)
	client := newTestClient(t, backend, srv.Addr().String(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	conn, err := client.Wait(ctx)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrTCPConnection)

	assert.Eventually(t, func() bool {
		return srv.Metrics().HandshakesFailed == 1
	}, testutil.TestTimeout(), 10*time.Millisecond)
	assert.Empty(t, srv.Connections())
}

func TestClientConnectRefused(t *testing.T) {
	backend := newTestBackend(t)

	cfg := DefaultClientConfig()
	cfg.Backend = backend
	cfg.PeerAddress = "127.0.0.1:1"
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond

	client, err := NewClient(startLoop(t, "refused"), cfg)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	testutil.AssertErrorType(t, ErrTCPConnection, err)

	require.NoError(t, client.Close())

	_, err = client.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientWaitContext(t *testing.T) {
	backend := newTestBackend(t)

	client := newTestClient(t, backend, "127.0.0.1:1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientAndServerValidation(t *testing.T) {
	loop := reactor.NewLoop("unused")

	_, err := NewClient(loop, nil)
	assert.ErrorIs(t, err, ErrUnexpected)

	_, err = NewClient(loop, &ClientConfig{Backend: NewSimulatedVerbsBackend()})
	assert.ErrorIs(t, err, ErrTCPConnection)

	_, err = NewServer(reactor.NewPool("unused", 1), nil)
	assert.ErrorIs(t, err, ErrUnexpected)
}

func TestServerListenFailure(t *testing.T) {
	backend := newTestBackend(t)
	srv := startTestServer(t, backend, "mlx5_0", nil)

	cfg := DefaultServerConfig()
	cfg.Backend = backend
	cfg.ListenAddress = srv.Addr().String()

	pool := reactor.NewPool("dup", 1)
	pool.Start()
	defer pool.Stop()

	dup, err := NewServer(pool, cfg)
	require.NoError(t, err)

	err = dup.Start(context.Background())
	assert.ErrorIs(t, err, ErrTCPListen)
	assert.False(t, dup.Running())
}
