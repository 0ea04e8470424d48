package rdma

import (
	"context"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *SimulatedVerbsBackend {
	t.Helper()

	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

// simEndpoint is one side of a raw queue pair connection on the simulated
// fabric.
type simEndpoint struct {
	ctx  VerbsContext
	ch   VerbsCompChannel
	pd   VerbsPD
	cq   VerbsCQ
	qp   VerbsQP
	mr   VerbsMR
	buf  []byte
	lkey uint32
	qpn  uint32
}

func (e *simEndpoint) addr(off int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&e.buf[off])))
}

func newSimEndpoint(t *testing.T, b *SimulatedVerbsBackend, device string) *simEndpoint {
	t.Helper()

	var (
		e   = &simEndpoint{buf: make([]byte, 8192)}
		err error
	)

	e.ctx, err = b.OpenDevice(device)
	require.NoError(t, err)

	e.ch, err = b.CreateCompChannel(e.ctx)
	require.NoError(t, err)

	e.pd, err = b.AllocPD(e.ctx)
	require.NoError(t, err)

	e.cq, err = b.CreateCQ(e.ctx, 16, e.ch)
	require.NoError(t, err)

	e.qp, err = b.CreateQP(e.pd, e.cq, e.cq, QPTypeRC, 8, 8, 1)
	require.NoError(t, err)

	e.mr, err = b.RegMR(e.pd, e.buf, MRAccessLocalWrite|MRAccessRemoteWrite|MRAccessRemoteRead)
	require.NoError(t, err)

	e.lkey, _, err = b.MRKeys(e.mr)
	require.NoError(t, err)

	require.NoError(t, b.ModifyQPToInit(e.qp, 1, MRAccessRemoteWrite))

	attr, err := b.QueryQP(e.qp)
	require.NoError(t, err)

	e.qpn = attr.QPN

	return e
}

func connectSimEndpoints(t *testing.T, b *SimulatedVerbsBackend, a, c *simEndpoint) {
	t.Helper()

	require.NoError(t, b.ModifyQPToRTR(a.qp, &VerbsQPAttr{PathMTU: MTU1024, DestQPN: c.qpn}))
	require.NoError(t, b.ModifyQPToRTR(c.qp, &VerbsQPAttr{PathMTU: MTU1024, DestQPN: a.qpn}))
	require.NoError(t, b.ModifyQPToRTS(a.qp, &VerbsQPAttr{Timeout: 14, RetryCnt: 7, RnrRetry: 6}))
	require.NoError(t, b.ModifyQPToRTS(c.qp, &VerbsQPAttr{Timeout: 14, RetryCnt: 7, RnrRetry: 6}))
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendGetDeviceList(t *testing.T) {
	backend := newTestBackend(t)

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "mlx5_2", devices[2].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID)
}

func TestSimulatedVerbsBackendOpenDeviceNotFound(t *testing.T) {
	backend := newTestBackend(t)

	_, err := backend.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedVerbsBackendQueryGID(t *testing.T) {
	backend := newTestBackend(t)

	ctx, err := backend.OpenDevice("mlx5_1")
	require.NoError(t, err)

	gid, err := backend.QueryGID(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "0000:0000:0000:0000:0000:ffff:c0a8:640b", gid.String())

	_, err = backend.QueryGID(ctx, 1, 9)
	assert.ErrorIs(t, err, ErrGIDQuery)

	port, err := backend.QueryPort(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PortStateActive, port.State)
	assert.Equal(t, "Ethernet", port.LinkLayer)
}

func TestSimulatedVerbsBackendFailNext(t *testing.T) {
	backend := newTestBackend(t)
	boom := errors.New("boom")

	backend.FailNext(SimOpOpenDevice, boom)

	_, err := backend.OpenDevice("mlx5_0")
	require.ErrorIs(t, err, boom)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)
	assert.NotZero(t, ctx)
}

func TestSimulatedVerbsBackendQPStateOrder(t *testing.T) {
	backend := newTestBackend(t)
	e := newSimEndpoint(t, backend, "mlx5_0")

	err := backend.ModifyQPToRTS(e.qp, &VerbsQPAttr{})
	require.ErrorIs(t, err, ErrModifyQP)

	require.NoError(t, backend.ModifyQPToRTR(e.qp, &VerbsQPAttr{PathMTU: MTU1024, DestQPN: 1}))

	attr, err := backend.QueryQP(e.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTR, attr.State)
	assert.Equal(t, MTU1024, attr.PathMTU)
}

func TestSimulatedVerbsBackendSendRecv(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)

	require.NoError(t, backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID:   7,
		SGList: []VerbsSGE{{Addr: c.addr(4096), Length: 4096, LKey: c.lkey}},
	}))
	require.NoError(t, backend.ReqNotifyCQ(c.cq))

	copy(a.buf, "hello")
	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:      1,
		Opcode:    WROpSend,
		SendFlags: SendFlagSignaled,
		SGList:    []VerbsSGE{{Addr: a.addr(0), Length: 5, LKey: a.lkey}},
	}))

	// The armed receive CQ got a doorbell, but no bytes have moved yet.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, backend.WaitCompChannel(ctx, c.ch))

	cq, err := backend.GetCQEvent(c.ch)
	require.NoError(t, err)
	assert.Equal(t, c.cq, cq)
	assert.Zero(t, c.buf[4096])

	wcs, err := backend.PollCQ(c.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(7), wcs[0].WRID)
	assert.Equal(t, WCOpRecv, wcs[0].Opcode)
	assert.Equal(t, uint32(5), wcs[0].ByteLen)
	assert.Equal(t, "hello", string(c.buf[4096:4101]))

	wcs, err = backend.PollCQ(a.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(1), wcs[0].WRID)
	assert.Equal(t, WCOpSend, wcs[0].Opcode)
	assert.Equal(t, WCSuccess, wcs[0].Status)

	backend.AckCQEvents(c.cq, 1)
}

func TestSimulatedVerbsBackendSendWaitsForReceive(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   1,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 16, LKey: a.lkey}},
	}))

	wcs, err := backend.PollCQ(c.cq, 16)
	require.NoError(t, err)
	assert.Empty(t, wcs)

	require.NoError(t, backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID:   2,
		SGList: []VerbsSGE{{Addr: c.addr(0), Length: 4096, LKey: c.lkey}},
	}))

	wcs, err = backend.PollCQ(c.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(2), wcs[0].WRID)
}

func TestSimulatedVerbsBackendReceiveOverflow(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)

	require.NoError(t, backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID:   2,
		SGList: []VerbsSGE{{Addr: c.addr(0), Length: 8, LKey: c.lkey}},
	}))
	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   1,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 64, LKey: a.lkey}},
	}))

	wcs, err := backend.PollCQ(c.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCLocalLenErr, wcs[0].Status)

	wcs, err = backend.PollCQ(a.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCRemoteInvalidReqErr, wcs[0].Status)
}

func TestSimulatedVerbsBackendFailNextSend(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)
	backend.FailNextSend(a.qpn, WCRemoteAccessErr)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   9,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 4, LKey: a.lkey}},
	}))

	wcs, err := backend.PollCQ(a.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(9), wcs[0].WRID)
	assert.Equal(t, WCRemoteAccessErr, wcs[0].Status)
}

func TestSimulatedVerbsBackendDestroyQPFailsQueuedSends(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)

	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   3,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 4, LKey: a.lkey}},
	}))
	require.NoError(t, backend.DestroyQP(c.qp))

	wcs, err := backend.PollCQ(a.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCRetryExcErr, wcs[0].Status)

	// The peer is gone, so later sends fail immediately.
	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   4,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 4, LKey: a.lkey}},
	}))

	wcs, err = backend.PollCQ(a.cq, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(4), wcs[0].WRID)
	assert.Equal(t, WCRetryExcErr, wcs[0].Status)
}

func TestSimulatedVerbsBackendSGEOutsideMR(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")

	err := backend.PostRecv(a.qp, &VerbsRecvWR{
		WRID:   1,
		SGList: []VerbsSGE{{Addr: a.addr(8000), Length: 4096, LKey: a.lkey}},
	})
	assert.ErrorIs(t, err, ErrPostRecv)
}

func TestSimulatedVerbsBackendWaitCompChannel(t *testing.T) {
	backend := newTestBackend(t)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	ch, err := backend.CreateCompChannel(ctx)
	require.NoError(t, err)

	_, err = backend.GetCQEvent(ch)
	require.ErrorIs(t, err, ErrNoCQEvent)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = backend.WaitCompChannel(waitCtx, ch)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)

	go func() { done <- backend.WaitCompChannel(context.Background(), ch) }()

	require.NoError(t, backend.DestroyCompChannel(ch))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCompChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitCompChannel did not return after destroy")
	}
}

func TestSimulatedVerbsBackendTeardownOrder(t *testing.T) {
	backend := newTestBackend(t)
	e := newSimEndpoint(t, backend, "mlx5_0")

	assert.ErrorIs(t, backend.DestroyCQ(e.cq), ErrCQBusy)
	assert.ErrorIs(t, backend.DestroyCompChannel(e.ch), ErrCQBusy)

	require.NoError(t, backend.DestroyQP(e.qp))
	require.NoError(t, backend.DestroyCQ(e.cq))
	require.NoError(t, backend.DeregMR(e.mr))
	require.NoError(t, backend.DeallocPD(e.pd))
	require.NoError(t, backend.DestroyCompChannel(e.ch))
	require.NoError(t, backend.CloseDevice(e.ctx))

	for kind, n := range backend.OpenResources() {
		assert.Zero(t, n, kind)
	}
}

func TestSimulatedVerbsBackendGetMetrics(t *testing.T) {
	backend := newTestBackend(t)
	a := newSimEndpoint(t, backend, "mlx5_0")
	c := newSimEndpoint(t, backend, "mlx5_1")

	connectSimEndpoints(t, backend, a, c)

	require.NoError(t, backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID:   1,
		SGList: []VerbsSGE{{Addr: c.addr(0), Length: 4096, LKey: c.lkey}},
	}))
	require.NoError(t, backend.PostSend(a.qp, &VerbsSendWR{
		WRID:   1,
		Opcode: WROpSend,
		SGList: []VerbsSGE{{Addr: a.addr(0), Length: 100, LKey: a.lkey}},
	}))

	_, err := backend.PollCQ(c.cq, 16)
	require.NoError(t, err)

	metrics := backend.GetMetrics()
	assert.True(t, metrics["simulated"].(bool))
	assert.Equal(t, int64(2), metrics["devices_opened"])
	assert.Equal(t, int64(2), metrics["qps_created"])
	assert.Equal(t, int64(1), metrics["sends_posted"])
	assert.Equal(t, int64(1), metrics["recvs_posted"])
	assert.Equal(t, int64(100), metrics["bytes_moved"])
}

func TestGIDFormatting(t *testing.T) {
	gid, err := ParseGID("fe80:0000:0000:0000:dead:beef:0000:0001")
	require.NoError(t, err)

	assert.Equal(t, byte(0xfe), gid[0])
	assert.Equal(t, uint64(0xdeadbeef00000001), gid.InterfaceID())
	assert.Equal(t, "fe80:0000:0000:0000:dead:beef:0000:0001", gid.String())

	_, err = ParseGID("fe80::1")
	assert.Error(t, err)

	_, err = ParseGID("fe80:0000:0000:0000:dead:beef:0000:zzzz")
	assert.Error(t, err)
}

func TestVerbsEnums(t *testing.T) {
	assert.Equal(t, 1024, MTU1024.Bytes())
	assert.Equal(t, 4096, MTU4096.Bytes())
	assert.Zero(t, MTU(0).Bytes())

	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "transport retry counter exceeded", WCRetryExcErr.String())
	assert.Equal(t, "RECV", WCOpRecv.String())
	assert.True(t, WCOpRecv.IsRecv())
	assert.False(t, WCOpSend.IsRecv())

	assert.Equal(t, 1, MRAccessLocalWrite)
	assert.Equal(t, 2, MRAccessRemoteWrite)
	assert.Equal(t, 4, MRAccessRemoteRead)
}
