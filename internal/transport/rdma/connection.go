package rdma

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/reactor"
)

// Queue pair parameters.
const (
	queueHeadroom   = 5 // work requests beyond one per buffer pair
	cqEventAckBatch = 10
	pollBatch       = 16
	pathMTU         = MTU1024
	minRnrTimer     = 12
	qpTimeout       = 14
	qpRetryCount    = 7
	qpRnrRetry      = 6
	psnMask         = 0xffffff
	mrAccess        = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ConnectionConfig describes the resources of a new Connection.
type ConnectionConfig struct {
	Backend VerbsBackend
	// GIDs defaults to the backend when it implements GIDTable, otherwise
	// to sysfs under /sys.
	GIDs       GIDTable
	Loop       *reactor.Loop
	Handler    EventHandler
	DeviceName string
	Name       string
	Port       int
	SlotSize   int
	SlotCount  int
}

type pendingSend struct {
	tag  uint64
	slot int // -1 when the caller manages the slot
}

// Connection is one reliable-connected queue pair with its completion queue,
// protection domain and registered memory. The memory is split into
// SlotCount buffer pairs: the send slot of pair i is followed by its receive
// slot.
//
// Verbs calls and event delivery happen on Loop. Send, SendSlot and the slot
// pool methods may be called from any goroutine.
type Connection struct {
	backend  VerbsBackend
	handler  EventHandler
	device   *DeviceContext
	loop     *reactor.Loop
	watcher  *reactor.Watcher
	pool     *SlotPool
	pending  map[uint64]pendingSend
	name     string
	region   []byte
	local    ConnectionIdentity
	remote   ConnectionIdentity
	base     uint64
	nextWRID uint64
	slotSize int
	count    int
	depth    int
	unacked  int
	channel  VerbsCompChannel
	pd       VerbsPD
	cq       VerbsCQ
	qp       VerbsQP
	mr       VerbsMR
	lkey     uint32
	rkey     uint32
	state    atomic.Int32

	handlerMu   sync.Mutex
	closeOnce   sync.Once
	qpConnected bool
}

// NewConnection opens the device and builds every verbs resource of the
// connection, leaving the queue pair in INIT. On failure everything created
// so far is released and the error carries the kind of the failing step.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Backend == nil || cfg.Loop == nil {
		return nil, wrapErr(ErrUnexpected, nil, "connection needs a backend and a loop")
	}

	if cfg.SlotSize <= 0 || cfg.SlotCount <= 0 {
		return nil, wrapErr(ErrUnexpected, nil, "invalid slot geometry %d x %d", cfg.SlotCount, cfg.SlotSize)
	}

	gids := cfg.GIDs
	if gids == nil {
		if table, ok := cfg.Backend.(GIDTable); ok {
			gids = table
		} else {
			gids = hardware.NewSysfs("")
		}
	}

	c := &Connection{
		backend: cfg.Backend,
		handler: cfg.Handler,
		loop:    cfg.Loop,
		name:    cfg.Name,
		pending: make(map[uint64]pendingSend),
		count:   cfg.SlotCount,
		depth:   cfg.SlotCount + queueHeadroom,
	}
	c.state.Store(int32(StateConnecting))

	if err := c.setup(cfg, gids); err != nil {
		c.release()
		return nil, err
	}

	if c.name == "" {
		c.name = fmt.Sprintf("%s-%06x", c.device.Name(), c.local.QPN)
	}

	metrics.ConnectionStateChanged("", StateConnecting.String())
	metrics.SetFreeSendSlots(c.name, c.pool.Free())

	log.Debug().
		Str("conn", c.name).
		Str("device", c.device.String()).
		Int("slot_size", c.slotSize).
		Int("slot_count", c.count).
		Str("identity", c.local.String()).
		Msg("Created RDMA connection")

	return c, nil
}

func (c *Connection) setup(cfg ConnectionConfig, gids GIDTable) error {
	device, err := NewDeviceContext(cfg.Backend, gids, cfg.DeviceName, cfg.Port)
	if err != nil {
		return err
	}

	c.device = device

	c.channel, err = c.backend.CreateCompChannel(device.Context())
	if err != nil {
		return wrapErr(ErrCompChannel, err, "%s", device)
	}

	c.pd, err = c.backend.AllocPD(device.Context())
	if err != nil {
		return wrapErr(ErrPD, err, "%s", device)
	}

	if err := c.allocRegion(cfg.SlotSize); err != nil {
		return err
	}

	maxDepth := device.Attr().MaxQPWR / 4
	if c.depth > maxDepth {
		return wrapErr(ErrQP, nil, "queue depth %d exceeds %d (max_qp_wr/4)", c.depth, maxDepth)
	}

	c.cq, err = c.backend.CreateCQ(device.Context(), 2*c.depth, c.channel)
	if err != nil {
		return wrapErr(ErrCQ, err, "create CQ with %d entries", 2*c.depth)
	}

	if err := c.backend.ReqNotifyCQ(c.cq); err != nil {
		return wrapErr(ErrCQ, err, "arm CQ")
	}

	c.qp, err = c.backend.CreateQP(c.pd, c.cq, c.cq, QPTypeRC, c.depth, c.depth, 1)
	if err != nil {
		return wrapErr(ErrQP, err, "create RC queue pair")
	}

	if err := c.backend.ModifyQPToInit(c.qp, cfg.Port, MRAccessRemoteWrite); err != nil {
		return wrapErr(ErrQP, err, "modify queue pair to INIT")
	}

	attr, err := c.backend.QueryQP(c.qp)
	if err != nil {
		return wrapErr(ErrQP, err, "query queue pair")
	}

	c.local = ConnectionIdentity{
		LID:      device.PortAttr().LID,
		QPN:      attr.QPN,
		PSN:      rand.Uint32() & psnMask, //nolint:gosec // PSN is not a secret
		GID:      device.GID(),
		RecvAddr: c.base + uint64(c.recvOffset(0)),
		RecvLen:  uint32(c.slotSize), //nolint:gosec // G115: bounded by the region size
		RecvRKey: c.rkey,
	}

	return nil
}

// allocRegion maps and registers 2 x count page-aligned slots.
func (c *Connection) allocRegion(slotSize int) error {
	page := unix.Getpagesize()
	c.slotSize = (slotSize + page - 1) / page * page

	region, err := unix.Mmap(-1, 0, 2*c.count*c.slotSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return wrapErr(ErrMR, err, "map %d bytes", 2*c.count*c.slotSize)
	}

	c.region = region
	c.base = uint64(uintptr(unsafe.Pointer(&region[0])))

	c.mr, err = c.backend.RegMR(c.pd, region, mrAccess)
	if err != nil {
		return wrapErr(ErrMR, err, "register %d bytes", len(region))
	}

	c.lkey, c.rkey, err = c.backend.MRKeys(c.mr)
	if err != nil {
		return wrapErr(ErrMR, err, "read memory region keys")
	}

	slots := make([]Slot, c.count)
	for i := range slots {
		off := c.sendOffset(i)
		slots[i] = Slot{
			ID:   i,
			Buf:  region[off : off+c.slotSize : off+c.slotSize],
			Addr: c.base + uint64(off),
		}
	}

	c.pool = newSlotPool(slots)

	return nil
}

func (c *Connection) sendOffset(pair int) int { return 2 * pair * c.slotSize }

func (c *Connection) recvOffset(pair int) int { return (2*pair + 1) * c.slotSize }

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// State returns the lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// LocalIdentity returns the record advertised to the peer.
func (c *Connection) LocalIdentity() ConnectionIdentity { return c.local }

// RemoteIdentity returns the peer record passed to ConnectQP.
func (c *Connection) RemoteIdentity() ConnectionIdentity { return c.remote }

// SlotSize returns the slot size after rounding up to the page size.
func (c *Connection) SlotSize() int { return c.slotSize }

// SlotCount returns the number of buffer pairs.
func (c *Connection) SlotCount() int { return c.count }

// QueueDepth returns the send and receive queue depth.
func (c *Connection) QueueDepth() int { return c.depth }

// FreeSlots returns the number of send slots available.
func (c *Connection) FreeSlots() int { return c.pool.Free() }

// Device returns the device context.
func (c *Connection) Device() *DeviceContext { return c.device }

// Loop returns the loop the connection is pinned to.
func (c *Connection) Loop() *reactor.Loop { return c.loop }

// SetHandler replaces the event handler.
func (c *Connection) SetHandler(h EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *Connection) emit(ev Event) {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()

	if h == nil {
		return
	}

	ev.Conn = c
	h.HandleEvent(ev)
}

func (c *Connection) transition(from, to ConnState) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return wrapErr(ErrUnexpected, nil, "connection %s is %s, not %s", c.name, c.State(), from)
	}

	return nil
}

// ConnectQP moves the queue pair through RTR to RTS against remote and posts
// one receive per buffer pair. It may only be called once.
func (c *Connection) ConnectQP(remote ConnectionIdentity) error {
	if c.qpConnected {
		return wrapErr(ErrUnexpected, nil, "queue pair of %s already connected", c.name)
	}

	c.qpConnected = true
	c.remote = remote

	rtr := &VerbsQPAttr{
		State:           QPStateRTR,
		PathMTU:         pathMTU,
		DestQPN:         remote.QPN,
		RQPsn:           remote.PSN,
		MaxDestRdAtomic: 1,
		MinRnrTimer:     minRnrTimer,
		Path: VerbsAHAttr{
			DLID:    remote.LID,
			PortNum: uint8(c.device.Port()), //nolint:gosec // G115: port numbers fit in a byte
		},
	}

	if remote.IsGlobal() {
		rtr.Path.IsGlobal = true
		rtr.Path.GRH = VerbsGlobalRoute{
			DGID:      remote.GID,
			HopLimit:  1,
			SGIDIndex: uint8(c.device.GIDIndex()), //nolint:gosec // G115: GID tables are small
		}
	}

	if err := c.backend.ModifyQPToRTR(c.qp, rtr); err != nil {
		return wrapErr(ErrQP, err, "modify queue pair to RTR")
	}

	for i := range c.count {
		if err := c.postRecv(i); err != nil {
			return wrapErr(ErrQP, err, "post receive %d", i)
		}
	}

	rts := &VerbsQPAttr{
		State:       QPStateRTS,
		SQPsn:       c.local.PSN,
		Timeout:     qpTimeout,
		RetryCnt:    qpRetryCount,
		RnrRetry:    qpRnrRetry,
		MaxRdAtomic: 1,
	}

	if err := c.backend.ModifyQPToRTS(c.qp, rts); err != nil {
		return wrapErr(ErrQP, err, "modify queue pair to RTS")
	}

	log.Debug().
		Str("conn", c.name).
		Str("remote", remote.String()).
		Bool("global", remote.IsGlobal()).
		Msg("Queue pair ready to send")

	return nil
}

func (c *Connection) postRecv(pair int) error {
	return c.backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID: uint64(pair), //nolint:gosec // G115: pair index is non-negative
		SGList: []VerbsSGE{{
			Addr:   c.base + uint64(c.recvOffset(pair)),
			Length: uint32(c.slotSize), //nolint:gosec // G115: bounded by the region size
			LKey:   c.lkey,
		}},
	})
}

// ConnectEstablished attaches the completion channel to the loop and emits
// EventConnected. It runs on the loop, once.
func (c *Connection) ConnectEstablished() error {
	if err := c.transition(StateConnecting, StateConnected); err != nil {
		return err
	}

	metrics.ConnectionStateChanged(StateConnecting.String(), StateConnected.String())

	backend, channel := c.backend, c.channel
	c.watcher = reactor.Watch(c.loop, c.name, reactor.ReadySourceFunc(func(ctx context.Context) error {
		return backend.WaitCompChannel(ctx, channel)
	}), c.handleCompletionEvent)

	log.Info().Str("conn", c.name).Str("device", c.device.String()).Msg("RDMA connection established")
	c.emit(Event{Kind: EventConnected})

	return nil
}

// ConnectDestroyed stops completion processing, emits EventDisconnected and
// releases the verbs resources. It runs on the loop, once.
func (c *Connection) ConnectDestroyed() error {
	if err := c.transition(StateConnected, StateDisconnected); err != nil {
		return err
	}

	metrics.ConnectionStateChanged(StateConnected.String(), "")

	if c.watcher != nil {
		c.watcher.Stop()
	}

	log.Info().Str("conn", c.name).Msg("RDMA connection disconnected")
	c.emit(Event{Kind: EventDisconnected})
	c.Close()

	return nil
}

// Close releases the queue pair, completion queue, memory, protection
// domain, completion channel and device, in that order. Once the connection
// has been handed to a loop, call it on that loop. Later calls do nothing.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Stop()
		}

		if c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected)) {
			metrics.ConnectionStateChanged(StateConnecting.String(), "")
		}

		c.release()
		metrics.ForgetConnection(c.name)
	})
}

// release frees whatever setup created. Each handle is cleared once freed.
func (c *Connection) release() {
	warn := func(err error, what string) {
		if err != nil {
			log.Warn().Err(err).Str("conn", c.name).Msgf("Failed to %s", what)
		}
	}

	if c.qp != 0 {
		warn(c.backend.DestroyQP(c.qp), "destroy queue pair")
		c.qp = 0
	}

	if c.cq != 0 {
		if c.unacked > 0 {
			c.backend.AckCQEvents(c.cq, c.unacked)
			c.unacked = 0
		}

		warn(c.backend.DestroyCQ(c.cq), "destroy completion queue")
		c.cq = 0
	}

	if c.mr != 0 {
		warn(c.backend.DeregMR(c.mr), "deregister memory region")
		c.mr = 0
	}

	// Slots posted with SendSlot will never complete now.
	for wrID, p := range c.pending {
		delete(c.pending, wrID)

		if p.slot >= 0 && c.pool != nil {
			c.pool.Release(p.slot)
		}
	}

	if c.region != nil {
		region, name := c.region, c.name
		c.region = nil

		unmap := func() {
			if err := unix.Munmap(region); err != nil {
				log.Warn().Err(err).Str("conn", name).Msg("Failed to unmap memory region")
			}
		}

		// Slots still held by callers keep the memory mapped until released.
		if c.pool != nil {
			c.pool.Close(unmap)
		} else {
			unmap()
		}
	} else if c.pool != nil {
		c.pool.Close(nil)
	}

	if c.pd != 0 {
		warn(c.backend.DeallocPD(c.pd), "deallocate protection domain")
		c.pd = 0
	}

	if c.channel != 0 {
		warn(c.backend.DestroyCompChannel(c.channel), "destroy completion channel")
		c.channel = 0
	}

	if c.device != nil {
		c.device.Close()
	}
}

// AcquireSendSlot takes a free send slot. It returns false when every slot
// is in use, which is backpressure, and always once the connection is torn
// down.
func (c *Connection) AcquireSendSlot() (Slot, bool) {
	if c.State() == StateDisconnected {
		return Slot{}, false
	}

	slot, ok := c.pool.Acquire()
	if ok {
		metrics.SetFreeSendSlots(c.name, c.pool.Free())
	}

	return slot, ok
}

// ReleaseSendSlot returns a slot taken with AcquireSendSlot.
func (c *Connection) ReleaseSendSlot(id int) {
	if !c.pool.Release(id) {
		log.Warn().Str("conn", c.name).Int("slot", id).Msg("Released a send slot that was not held")
		return
	}

	if !c.pool.Closed() {
		metrics.SetFreeSendSlots(c.name, c.pool.Free())
	}
}

// Send posts one signaled send of buf, which must lie inside a send slot.
// The slot stays with the caller. Completion is reported with tag.
func (c *Connection) Send(buf []byte, tag uint64) {
	if !c.loop.Post(func() { c.postSend(buf, tag, -1) }) {
		log.Warn().Str("conn", c.name).Uint64("tag", tag).Msg("Dropped send on stopped loop")
	}
}

// SendSlot sends the first n bytes of slot and returns the slot to the pool
// once the send completes, successfully or not.
func (c *Connection) SendSlot(slot Slot, n int, tag uint64) {
	if n < 0 || n > len(slot.Buf) {
		log.Error().Str("conn", c.name).Int("slot", slot.ID).Int("length", n).Msg("Send length outside slot")
		c.ReleaseSendSlot(slot.ID)

		return
	}

	buf := slot.Buf[:n]
	if !c.loop.Post(func() { c.postSend(buf, tag, slot.ID) }) {
		log.Warn().Str("conn", c.name).Uint64("tag", tag).Msg("Dropped send on stopped loop")
		c.ReleaseSendSlot(slot.ID)
	}
}

func (c *Connection) postSend(buf []byte, tag uint64, slot int) {
	if c.State() != StateConnected {
		log.Warn().Str("conn", c.name).Str("state", c.State().String()).Uint64("tag", tag).
			Msg("Send on inactive connection ignored")

		if slot >= 0 {
			c.ReleaseSendSlot(slot)
		}

		return
	}

	sge, err := c.sendSGE(buf)
	if err != nil {
		c.sendFailed(tag, slot, err)
		return
	}

	c.nextWRID++
	wrID := c.nextWRID
	c.pending[wrID] = pendingSend{tag: tag, slot: slot}

	err = c.backend.PostSend(c.qp, &VerbsSendWR{
		SGList:    []VerbsSGE{sge},
		WRID:      wrID,
		Opcode:    WROpSend,
		SendFlags: SendFlagSignaled,
	})
	if err != nil {
		delete(c.pending, wrID)
		c.sendFailed(tag, slot, wrapErr(ErrQP, err, "post send"))

		return
	}

	metrics.RecordSend(c.name, len(buf))
}

func (c *Connection) sendFailed(tag uint64, slot int, err error) {
	log.Error().Err(err).Str("conn", c.name).Uint64("tag", tag).Msg("Send failed")

	if slot >= 0 {
		c.ReleaseSendSlot(slot)
	}

	c.emit(Event{Kind: EventSendFailed, Tag: tag, Err: err})
}

// sendSGE checks that buf lies inside one send slot.
func (c *Connection) sendSGE(buf []byte) (VerbsSGE, error) {
	addr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	n := uint64(len(buf))

	if addr < c.base || addr+n > c.base+uint64(len(c.region)) {
		return VerbsSGE{}, wrapErr(ErrMR, nil, "send buffer outside registered memory")
	}

	within := (addr - c.base) % uint64(2*c.slotSize)
	if within+n > uint64(c.slotSize) {
		return VerbsSGE{}, wrapErr(ErrMR, nil, "send buffer not inside a send slot")
	}

	return VerbsSGE{
		Addr:   addr,
		Length: uint32(n), //nolint:gosec // G115: bounded by the slot size
		LKey:   c.lkey,
	}, nil
}

// handleCompletionEvent runs on the loop when the completion channel is
// readable: take one event, ack in batches, re-arm, then poll until empty.
func (c *Connection) handleCompletionEvent() {
	if c.State() != StateConnected {
		return
	}

	cq, err := c.backend.GetCQEvent(c.channel)
	if errors.Is(err, ErrNoCQEvent) {
		return
	}

	if err != nil {
		c.fail(wrapErr(ErrCQ, err, "get completion event"))
		return
	}

	c.unacked++
	if c.unacked >= cqEventAckBatch {
		c.backend.AckCQEvents(cq, c.unacked)
		c.unacked = 0
	}

	if err := c.backend.ReqNotifyCQ(cq); err != nil {
		c.fail(wrapErr(ErrCQ, err, "re-arm completion queue"))
		return
	}

	for c.State() == StateConnected {
		wcs, err := c.backend.PollCQ(cq, pollBatch)
		if err != nil {
			c.fail(wrapErr(ErrCQ, err, "poll completion queue"))
			return
		}

		if len(wcs) == 0 {
			return
		}

		for _, wc := range wcs {
			if wc.Opcode.IsRecv() {
				c.handleRecv(wc)
			} else {
				c.handleSendCompletion(wc)
			}

			if c.State() != StateConnected {
				return
			}
		}
	}
}

func (c *Connection) handleRecv(wc VerbsWorkCompletion) {
	pair := int(wc.WRID) //nolint:gosec // G115: WRID is a pair index

	if wc.Status != WCSuccess {
		metrics.RecordCompletionError(wc.Opcode.String(), wc.Status.String())

		err := wrapErr(ErrCQ, nil, "receive into pair %d failed: %s", pair, wc.Status)
		c.emit(Event{Kind: EventRecvFailed, Completion: wc, Err: err})
		c.fail(err)

		return
	}

	if pair < 0 || pair >= c.count {
		c.fail(wrapErr(ErrUnexpected, nil, "receive completion for unknown pair %d", pair))
		return
	}

	// The slot is posted again before the handler sees it, so the handler
	// must copy what it needs before returning.
	if err := c.postRecv(pair); err != nil {
		c.fail(wrapErr(ErrQP, err, "re-post receive %d", pair))
		return
	}

	n := min(int(wc.ByteLen), c.slotSize)
	off := c.recvOffset(pair)

	metrics.RecordRecv(c.name, n)
	c.emit(Event{Kind: EventRecv, Data: c.region[off : off+n : off+n], Completion: wc})
}

func (c *Connection) handleSendCompletion(wc VerbsWorkCompletion) {
	p, ok := c.pending[wc.WRID]
	if !ok {
		log.Warn().Str("conn", c.name).Uint64("wr_id", wc.WRID).Msg("Completion for unknown send")
		return
	}

	delete(c.pending, wc.WRID)

	if p.slot >= 0 {
		c.ReleaseSendSlot(p.slot)
	}

	wc.WRID = p.tag

	if wc.Status != WCSuccess {
		metrics.RecordCompletionError(wc.Opcode.String(), wc.Status.String())

		err := wrapErr(ErrCQ, nil, "send %d failed: %s", p.tag, wc.Status)
		c.emit(Event{Kind: EventSendFailed, Tag: p.tag, Completion: wc, Err: err})
		c.fail(err)

		return
	}

	c.emit(Event{Kind: EventSendComplete, Tag: p.tag, Completion: wc})
}

// fail tears down this connection only.
func (c *Connection) fail(err error) {
	log.Error().Err(err).Str("conn", c.name).Msg("RDMA connection failed")

	if c.ConnectDestroyed() != nil {
		c.Close()
	}
}
