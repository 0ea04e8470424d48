package rdma

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/piwi3910/rdmalink/internal/hardware"
)

// SimulatedOp names a simulated backend operation that can be made to fail.
type SimulatedOp string

const (
	SimOpOpenDevice        SimulatedOp = "open_device"
	SimOpQueryDevice       SimulatedOp = "query_device"
	SimOpQueryPort         SimulatedOp = "query_port"
	SimOpQueryGID          SimulatedOp = "query_gid"
	SimOpCreateCompChannel SimulatedOp = "create_comp_channel"
	SimOpAllocPD           SimulatedOp = "alloc_pd"
	SimOpCreateCQ          SimulatedOp = "create_cq"
	SimOpReqNotifyCQ       SimulatedOp = "req_notify_cq"
	SimOpCreateQP          SimulatedOp = "create_qp"
	SimOpModifyQPInit      SimulatedOp = "modify_qp_init"
	SimOpModifyQPRTR       SimulatedOp = "modify_qp_rtr"
	SimOpModifyQPRTS       SimulatedOp = "modify_qp_rts"
	SimOpRegMR             SimulatedOp = "reg_mr"
	SimOpPostSend          SimulatedOp = "post_send"
	SimOpPostRecv          SimulatedOp = "post_recv"
)

// SimulatedDevice describes a device exposed by the simulated backend.
type SimulatedDevice struct {
	Info VerbsDeviceInfo
	Attr VerbsDeviceAttr
	// GIDs maps a port number to its GID table.
	GIDs map[int][]hardware.GIDEntry
}

// SimulatedVerbsBackend is an in-process fabric. Queue pairs created on the
// same backend really exchange data: a posted send is queued at the
// destination, which rings the destination's receive CQ. The bytes are
// copied into the oldest posted receive when that CQ is next polled, so
// payload only ever lands in a receive slot on the receiver's own polling
// goroutine. Both sides then get completions, with completion channel events
// raised for armed CQs.
type SimulatedVerbsBackend struct {
	contexts    map[VerbsContext]*simulatedContext
	channels    map[VerbsCompChannel]*simulatedChannel
	pds         map[VerbsPD]*simulatedPD
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	qpsByNum    map[uint32]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	faults      map[SimulatedOp]error
	sendFaults  map[uint32]WCStatus
	metrics     *verbsMetrics
	devices     []*SimulatedDevice
	nextHandle  uintptr
	nextQPN     uint32
	mu          sync.Mutex
	initialized bool
}

type simulatedContext struct {
	device *SimulatedDevice
}

type simulatedChannel struct {
	ctx    VerbsContext
	events []VerbsCQ
	notify chan struct{}
	closed chan struct{}
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedCQ struct {
	completions []VerbsWorkCompletion
	ctx         VerbsContext
	channel     VerbsCompChannel
	size        int
	unacked     int
	armed       bool
}

type simulatedQP struct {
	attr      VerbsQPAttr
	recvQueue []VerbsRecvWR
	pendingIn []simulatedSend
	pd        VerbsPD
	sendCQ    VerbsCQ
	recvCQ    VerbsCQ
	qpType    QPType
	maxSend   int
	maxRecv   int
	maxSge    int
}

type simulatedSend struct {
	src  *simulatedQP
	data []byte
	wrID uint64
}

type simulatedMR struct {
	buf    []byte
	pd     VerbsPD
	base   uint64
	access int
	lkey   uint32
	rkey   uint32
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	BytesMoved    int64
	Completions   int64
	Errors        int64
}

// NewSimulatedVerbsBackend creates a new simulated verbs backend with three
// ConnectX-6 style devices, mlx5_0 through mlx5_2.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	b := &SimulatedVerbsBackend{
		contexts:   make(map[VerbsContext]*simulatedContext),
		channels:   make(map[VerbsCompChannel]*simulatedChannel),
		pds:        make(map[VerbsPD]*simulatedPD),
		cqs:        make(map[VerbsCQ]*simulatedCQ),
		qps:        make(map[VerbsQP]*simulatedQP),
		qpsByNum:   make(map[uint32]*simulatedQP),
		mrs:        make(map[VerbsMR]*simulatedMR),
		faults:     make(map[SimulatedOp]error),
		sendFaults: make(map[uint32]WCStatus),
		metrics:    &verbsMetrics{},
		nextQPN:    0x100,
	}

	for i := 0; i < 3; i++ {
		b.devices = append(b.devices, DefaultSimulatedDevice(
			fmt.Sprintf("mlx5_%d", i),
			0xDEADBEEF00000001+uint64(i),
			net.IPv4(192, 168, 100, byte(10+i)),
		))
	}

	return b
}

// DefaultSimulatedDevice builds a single-port device whose GID table matches
// what mlx5 exposes for one IPv4 address: link-local and IPv4-mapped entries,
// each in RoCE v1 and RoCE v2 flavours. Only index 3 is RoCE v2 and
// IPv4-mapped.
func DefaultSimulatedDevice(name string, guid uint64, ip net.IP) *SimulatedDevice {
	var linkLocal, mapped GID

	linkLocal[0], linkLocal[1] = 0xfe, 0x80
	for i := 0; i < 8; i++ {
		linkLocal[8+i] = byte(guid >> (56 - 8*i))
	}

	mapped[10], mapped[11] = 0xff, 0xff
	copy(mapped[12:], ip.To4())

	return &SimulatedDevice{
		Info: VerbsDeviceInfo{
			Name:         name,
			GUID:         guid,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x101b, // ConnectX-6
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
		Attr: VerbsDeviceAttr{
			FWVer:       "20.35.1012",
			NodeGUID:    guid,
			MaxMRSize:   1 << 40,
			MaxQP:       131072,
			MaxQPWR:     32768,
			MaxSGE:      30,
			MaxCQ:       16777216,
			MaxCQE:      4194303,
			MaxMR:       16777216,
			MaxPD:       8388608,
			PhysPortCnt: 1,
		},
		GIDs: map[int][]hardware.GIDEntry{
			1: {
				{Index: 0, Type: "IB/RoCE v1", GID: linkLocal.String()},
				{Index: 1, Type: "RoCE v2", GID: linkLocal.String()},
				{Index: 2, Type: "IB/RoCE v1", GID: mapped.String()},
				{Index: 3, Type: "RoCE v2", GID: mapped.String()},
			},
		},
	}
}

// AddDevice registers an extra device. Devices with the same name replace
// the existing entry.
func (b *SimulatedVerbsBackend) AddDevice(dev *SimulatedDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.devices {
		if d.Info.Name == dev.Info.Name {
			b.devices[i] = dev
			return
		}
	}

	b.devices = append(b.devices, dev)
}

// FailNext makes the next call of op return err.
func (b *SimulatedVerbsBackend) FailNext(op SimulatedOp, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults[op] = err
}

// FailNextSend makes the next send posted on qpn complete with status.
func (b *SimulatedVerbsBackend) FailNextSend(qpn uint32, status WCStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sendFaults[qpn] = status
}

// fault must be called with b.mu held.
func (b *SimulatedVerbsBackend) fault(op SimulatedOp) error {
	err, ok := b.faults[op]
	if !ok {
		return nil
	}

	delete(b.faults, op)
	atomic.AddInt64(&b.metrics.Errors, 1)

	return err
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.channels {
		close(ch.closed)
	}

	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.channels = make(map[VerbsCompChannel]*simulatedChannel)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.qpsByNum = make(map[uint32]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, 0, len(b.devices))
	for _, d := range b.devices {
		result = append(result, d.Info)
	}

	return result, nil
}

// GIDEntries implements GIDTable so the simulated devices can be discovered
// without a sysfs tree.
func (b *SimulatedVerbsBackend) GIDEntries(device string, port int) ([]hardware.GIDEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.Info.Name != device {
			continue
		}

		entries, ok := d.GIDs[port]
		if !ok {
			return nil, fmt.Errorf("device %s has no port %d", device, port)
		}

		return append([]hardware.GIDEntry(nil), entries...), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	if err := b.fault(SimOpOpenDevice); err != nil {
		return 0, err
	}

	var device *SimulatedDevice

	for _, d := range b.devices {
		if d.Info.Name == name {
			device = d
			break
		}
	}

	if device == nil {
		return 0, ErrDeviceNotFound
	}

	b.nextHandle++
	ctx := VerbsContext(b.nextHandle)
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return ErrContextCreation
	}

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedVerbsBackend) QueryDevice(ctx VerbsContext) (*VerbsDeviceAttr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpQueryDevice); err != nil {
		return nil, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrContextCreation
	}

	attr := c.device.Attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpQueryPort); err != nil {
		return nil, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrContextCreation
	}

	gids, ok := c.device.GIDs[port]
	if !ok {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	return &VerbsPortAttr{
		State:     PortStateActive,
		MaxMTU:    MTU4096,
		ActiveMTU: MTU1024,
		GIDTblLen: len(gids),
		LinkLayer: "Ethernet",
	}, nil
}

func (b *SimulatedVerbsBackend) QueryGID(ctx VerbsContext, port, index int) (GID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpQueryGID); err != nil {
		return GID{}, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return GID{}, ErrContextCreation
	}

	for _, e := range c.device.GIDs[port] {
		if e.Index == index {
			return ParseGID(e.GID)
		}
	}

	return GID{}, fmt.Errorf("%w: port %d index %d", ErrGIDQuery, port, index)
}

func (b *SimulatedVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpCreateCompChannel); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	b.nextHandle++
	ch := VerbsCompChannel(b.nextHandle)
	b.channels[ch] = &simulatedChannel{
		ctx:    ctx,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	return ch, nil
}

func (b *SimulatedVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[ch]
	if !ok {
		return ErrCompChannelClosed
	}

	for _, cq := range b.cqs {
		if cq.channel == ch {
			return ErrCQBusy
		}
	}

	close(c.closed)
	delete(b.channels, ch)

	return nil
}

func (b *SimulatedVerbsBackend) WaitCompChannel(ctx context.Context, ch VerbsCompChannel) error {
	for {
		b.mu.Lock()

		c, ok := b.channels[ch]
		if !ok {
			b.mu.Unlock()
			return ErrCompChannelClosed
		}

		if len(c.events) > 0 {
			b.mu.Unlock()
			return nil
		}

		notify, closed := c.notify, c.closed
		b.mu.Unlock()

		select {
		case <-notify:
		case <-closed:
			return ErrCompChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *SimulatedVerbsBackend) GetCQEvent(ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[ch]
	if !ok {
		return 0, ErrCompChannelClosed
	}

	if len(c.events) == 0 {
		return 0, ErrNoCQEvent
	}

	cq := c.events[0]
	c.events = c.events[1:]

	if simCQ, ok := b.cqs[cq]; ok {
		simCQ.unacked++
	}

	return cq, nil
}

func (b *SimulatedVerbsBackend) AckCQEvents(cq VerbsCQ, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	simCQ.unacked -= n
	if simCQ.unacked < 0 {
		simCQ.unacked = 0
	}
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpAllocPD); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	b.nextHandle++
	pd := VerbsPD(b.nextHandle)
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return ErrPDCreation
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpCreateCQ); err != nil {
		return 0, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	if cqe <= 0 || cqe > c.device.Attr.MaxCQE {
		return 0, fmt.Errorf("%w: cqe %d out of range", ErrCQCreation, cqe)
	}

	if ch != 0 {
		if _, ok := b.channels[ch]; !ok {
			return 0, ErrCompChannelClosed
		}
	}

	b.nextHandle++
	cq := VerbsCQ(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{
		ctx:     ctx,
		channel: ch,
		size:    cqe,
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return ErrCQCreation
	}

	if simCQ.unacked > 0 {
		return ErrCQBusy
	}

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return ErrCQBusy
		}
	}

	if c, ok := b.channels[simCQ.channel]; ok {
		kept := c.events[:0]
		for _, ev := range c.events {
			if ev != cq {
				kept = append(kept, ev)
			}
		}
		c.events = kept
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpReqNotifyCQ); err != nil {
		return err
	}

	simCQ, ok := b.cqs[cq]
	if !ok {
		return ErrCQCreation
	}

	simCQ.armed = true

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, ErrPollCQ
	}

	for _, qp := range b.qps {
		if qp.recvCQ == cq {
			b.deliver(qp)
		}
	}

	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(len(result)))

	return result, nil
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpCreateQP); err != nil {
		return 0, err
	}

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if _, ok := b.cqs[sendCQ]; !ok {
		return 0, ErrCQCreation
	}

	if _, ok := b.cqs[recvCQ]; !ok {
		return 0, ErrCQCreation
	}

	if qpType != QPTypeRC {
		return 0, fmt.Errorf("%w: only RC queue pairs are simulated", ErrQPCreation)
	}

	b.nextHandle++
	b.nextQPN = (b.nextQPN + 1) & 0xffffff
	qp := VerbsQP(b.nextHandle)
	simQP := &simulatedQP{
		attr: VerbsQPAttr{
			State: QPStateReset,
			QPN:   b.nextQPN,
			Cap: VerbsQPCap{
				MaxSendWR:  uint32(maxSend), //nolint:gosec // G115: bounded by device max_qp_wr
				MaxRecvWR:  uint32(maxRecv), //nolint:gosec // G115: bounded by device max_qp_wr
				MaxSendSge: uint32(maxSge),  //nolint:gosec // G115: bounded by device max_sge
				MaxRecvSge: uint32(maxSge),  //nolint:gosec // G115: bounded by device max_sge
			},
		},
		pd:      pd,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		qpType:  qpType,
		maxSend: maxSend,
		maxRecv: maxRecv,
		maxSge:  maxSge,
	}
	b.qps[qp] = simQP
	b.qpsByNum[simQP.attr.QPN] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	delete(b.qpsByNum, simQP.attr.QPN)
	delete(b.qps, qp)

	// Sends still queued here will never be acknowledged.
	for _, in := range simQP.pendingIn {
		if _, alive := b.qpsByNum[in.src.attr.QPN]; !alive {
			continue
		}

		b.complete(in.src.sendCQ, VerbsWorkCompletion{
			WRID:   in.wrID,
			Status: WCRetryExcErr,
			Opcode: WCOpSend,
			QPN:    in.src.attr.QPN,
		})
	}

	simQP.pendingIn = nil

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToInit(qp VerbsQP, port int, access int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpModifyQPInit); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateReset {
		return fmt.Errorf("%w: %s -> INIT", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateInit
	simQP.attr.PortNum = uint8(port) //nolint:gosec // G115: port numbers fit in a byte
	simQP.attr.QPAccessFlags = access

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTR(qp VerbsQP, attr *VerbsQPAttr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpModifyQPRTR); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateInit {
		return fmt.Errorf("%w: %s -> RTR", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateRTR
	simQP.attr.PathMTU = attr.PathMTU
	simQP.attr.DestQPN = attr.DestQPN
	simQP.attr.RQPsn = attr.RQPsn
	simQP.attr.Path = attr.Path
	simQP.attr.MaxDestRdAtomic = attr.MaxDestRdAtomic
	simQP.attr.MinRnrTimer = attr.MinRnrTimer

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTS(qp VerbsQP, attr *VerbsQPAttr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpModifyQPRTS); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateRTR {
		return fmt.Errorf("%w: %s -> RTS", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateRTS
	simQP.attr.SQPsn = attr.SQPsn
	simQP.attr.Timeout = attr.Timeout
	simQP.attr.RetryCnt = attr.RetryCnt
	simQP.attr.RnrRetry = attr.RnrRetry
	simQP.attr.MaxRdAtomic = attr.MaxRdAtomic

	return nil
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	attr := simQP.attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpRegMR); err != nil {
		return 0, err
	}

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	b.nextHandle++
	mr := VerbsMR(b.nextHandle)
	b.mrs[mr] = &simulatedMR{
		buf:    buf,
		pd:     pd,
		base:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		access: access,
		lkey:   uint32(b.nextHandle),         //nolint:gosec // G115: handles stay small
		rkey:   uint32(b.nextHandle) | 1<<31, //nolint:gosec // G115: handles stay small
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return mr, nil
}

func (b *SimulatedVerbsBackend) MRKeys(mr VerbsMR) (uint32, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return 0, 0, ErrMRCreation
	}

	return simMR.lkey, simMR.rkey, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mrs[mr]; !ok {
		return ErrMRCreation
	}

	delete(b.mrs, mr)

	return nil
}

// resolve maps a scatter/gather entry onto registered memory. Must be called
// with b.mu held.
func (b *SimulatedVerbsBackend) resolve(pd VerbsPD, sge VerbsSGE) ([]byte, bool) {
	for _, mr := range b.mrs {
		if mr.lkey != sge.LKey || mr.pd != pd {
			continue
		}

		if sge.Addr < mr.base {
			return nil, false
		}

		off := sge.Addr - mr.base
		if off+uint64(sge.Length) > uint64(len(mr.buf)) {
			return nil, false
		}

		return mr.buf[off : off+uint64(sge.Length)], true
	}

	return nil, false
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpPostSend); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateRTS {
		return fmt.Errorf("%w: queue pair in %s", ErrPostSend, simQP.attr.State)
	}

	if len(wr.SGList) == 0 || len(wr.SGList) > simQP.maxSge {
		return fmt.Errorf("%w: %d scatter/gather entries", ErrPostSend, len(wr.SGList))
	}

	var data []byte

	for _, sge := range wr.SGList {
		seg, ok := b.resolve(simQP.pd, sge)
		if !ok {
			return fmt.Errorf("%w: SGE outside registered memory", ErrPostSend)
		}

		data = append(data, seg...)
	}

	atomic.AddInt64(&b.metrics.SendsPosted, 1)

	if status, ok := b.sendFaults[simQP.attr.QPN]; ok {
		delete(b.sendFaults, simQP.attr.QPN)
		b.complete(simQP.sendCQ, VerbsWorkCompletion{
			WRID:   wr.WRID,
			Status: status,
			Opcode: WCOpSend,
			QPN:    simQP.attr.QPN,
		})

		return nil
	}

	dst, ok := b.qpsByNum[simQP.attr.DestQPN]
	if !ok || dst.attr.State < QPStateRTR || dst.attr.State == QPStateErr || dst.attr.DestQPN != simQP.attr.QPN {
		b.complete(simQP.sendCQ, VerbsWorkCompletion{
			WRID:   wr.WRID,
			Status: WCRetryExcErr,
			Opcode: WCOpSend,
			QPN:    simQP.attr.QPN,
		})

		return nil
	}

	dst.pendingIn = append(dst.pendingIn, simulatedSend{src: simQP, data: data, wrID: wr.WRID})
	b.notify(dst.recvCQ)

	return nil
}

func (b *SimulatedVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(SimOpPostRecv); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State == QPStateReset || simQP.attr.State == QPStateErr {
		return fmt.Errorf("%w: queue pair in %s", ErrPostRecv, simQP.attr.State)
	}

	if len(simQP.recvQueue) >= simQP.maxRecv {
		return fmt.Errorf("%w: receive queue full", ErrPostRecv)
	}

	if len(wr.SGList) == 0 || len(wr.SGList) > simQP.maxSge {
		return fmt.Errorf("%w: %d scatter/gather entries", ErrPostRecv, len(wr.SGList))
	}

	for _, sge := range wr.SGList {
		if _, ok := b.resolve(simQP.pd, sge); !ok {
			return fmt.Errorf("%w: SGE outside registered memory", ErrPostRecv)
		}
	}

	simQP.recvQueue = append(simQP.recvQueue, VerbsRecvWR{
		SGList: append([]VerbsSGE(nil), wr.SGList...),
		WRID:   wr.WRID,
	})
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

// deliver matches queued inbound sends with posted receives in order. It
// runs from PollCQ on the receive CQ. Must be called with b.mu held.
func (b *SimulatedVerbsBackend) deliver(dst *simulatedQP) {
	for len(dst.pendingIn) > 0 && len(dst.recvQueue) > 0 {
		in := dst.pendingIn[0]
		dst.pendingIn = dst.pendingIn[1:]

		if _, alive := b.qpsByNum[in.src.attr.QPN]; !alive {
			continue
		}

		recv := dst.recvQueue[0]
		dst.recvQueue = dst.recvQueue[1:]

		remaining := in.data
		overflow := false

		for _, sge := range recv.SGList {
			seg, _ := b.resolve(dst.pd, sge)
			n := copy(seg, remaining)
			remaining = remaining[n:]
		}

		if len(remaining) > 0 {
			overflow = true
		}

		recvStatus, sendStatus := WCSuccess, WCSuccess
		if overflow {
			recvStatus, sendStatus = WCLocalLenErr, WCRemoteInvalidReqErr
		} else {
			atomic.AddInt64(&b.metrics.BytesMoved, int64(len(in.data)))
		}

		b.complete(dst.recvCQ, VerbsWorkCompletion{
			WRID:    recv.WRID,
			Status:  recvStatus,
			Opcode:  WCOpRecv,
			ByteLen: uint32(len(in.data)), //nolint:gosec // G115: bounded by slot size
			QPN:     dst.attr.QPN,
			SrcQP:   in.src.attr.QPN,
		})
		b.complete(in.src.sendCQ, VerbsWorkCompletion{
			WRID:    in.wrID,
			Status:  sendStatus,
			Opcode:  WCOpSend,
			ByteLen: uint32(len(in.data)), //nolint:gosec // G115: bounded by slot size
			QPN:     in.src.attr.QPN,
		})
	}
}

// complete appends a completion and raises a channel event if the CQ is
// armed. Must be called with b.mu held.
func (b *SimulatedVerbsBackend) complete(cq VerbsCQ, wc VerbsWorkCompletion) {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	if wc.Status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	simCQ.completions = append(simCQ.completions, wc)
	b.notify(cq)
}

// notify raises a channel event for an armed CQ and disarms it. Must be
// called with b.mu held.
func (b *SimulatedVerbsBackend) notify(cq VerbsCQ) {
	simCQ, ok := b.cqs[cq]
	if !ok || !simCQ.armed || simCQ.channel == 0 {
		return
	}

	ch, ok := b.channels[simCQ.channel]
	if !ok {
		return
	}

	simCQ.armed = false
	ch.events = append(ch.events, cq)

	select {
	case ch.notify <- struct{}{}:
	default:
	}
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"bytes_moved":    atomic.LoadInt64(&b.metrics.BytesMoved),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}

// OpenResources reports how many handles of each kind are alive. Tests use it
// to check that teardown released everything.
func (b *SimulatedVerbsBackend) OpenResources() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]int{
		"contexts": len(b.contexts),
		"channels": len(b.channels),
		"pds":      len(b.pds),
		"cqs":      len(b.cqs),
		"qps":      len(b.qps),
		"mrs":      len(b.mrs),
	}
}
