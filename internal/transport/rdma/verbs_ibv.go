//go:build rdma_hw && linux

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int rl_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static int rl_req_notify_cq(struct ibv_cq *cq) {
	return ibv_req_notify_cq(cq, 0);
}

static int rl_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, n, wc);
}

static int rl_post_send(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t len,
		uint32_t lkey, int opcode, int flags, uint32_t imm) {
	struct ibv_sge sge = { .addr = addr, .length = len, .lkey = lkey };
	struct ibv_send_wr wr, *bad = NULL;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.imm_data = imm;

	return ibv_post_send(qp, &wr, &bad);
}

static int rl_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t len, uint32_t lkey) {
	struct ibv_sge sge = { .addr = addr, .length = len, .lkey = lkey };
	struct ibv_recv_wr wr, *bad = NULL;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	return ibv_post_recv(qp, &wr, &bad);
}

static int rl_get_cq_event(struct ibv_comp_channel *ch, struct ibv_cq **cq) {
	void *ctx;
	return ibv_get_cq_event(ch, cq, &ctx);
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const compChannelPollMillis = 100

type ibvChannel struct {
	ch     *C.struct_ibv_comp_channel
	mu     sync.RWMutex // held for reading while polling the fd
	closed bool
}

// ibvBackend is the libibverbs implementation of VerbsBackend. Handles are
// small integers mapped to the C objects.
type ibvBackend struct {
	contexts   map[VerbsContext]*C.struct_ibv_context
	channels   map[VerbsCompChannel]*ibvChannel
	pds        map[VerbsPD]*C.struct_ibv_pd
	cqs        map[VerbsCQ]*C.struct_ibv_cq
	cqHandles  map[*C.struct_ibv_cq]VerbsCQ
	qps        map[VerbsQP]*C.struct_ibv_qp
	mrs        map[VerbsMR]*C.struct_ibv_mr
	metrics    verbsMetrics
	nextHandle uintptr
	mu         sync.RWMutex
	ready      bool
}

func newHardwareBackend() (VerbsBackend, error) {
	return &ibvBackend{
		contexts:  make(map[VerbsContext]*C.struct_ibv_context),
		channels:  make(map[VerbsCompChannel]*ibvChannel),
		pds:       make(map[VerbsPD]*C.struct_ibv_pd),
		cqs:       make(map[VerbsCQ]*C.struct_ibv_cq),
		cqHandles: make(map[*C.struct_ibv_cq]VerbsCQ),
		qps:       make(map[VerbsQP]*C.struct_ibv_qp),
		mrs:       make(map[VerbsMR]*C.struct_ibv_mr),
	}, nil
}

// ibvErr wraps a verbs return code. Calls that return an errno value report
// it directly; the rest fall back to the errno captured by cgo.
func ibvErr(op string, rc C.int, cause error) error {
	if rc > 0 {
		return fmt.Errorf("%s: %w", op, syscall.Errno(rc))
	}

	if cause == nil {
		cause = syscall.EIO
	}

	return fmt.Errorf("%s: %w", op, cause)
}

func (b *ibvBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *ibvBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rc := C.ibv_fork_init(); rc != 0 {
		return ibvErr("ibv_fork_init", rc, nil)
	}

	b.ready = true

	return nil
}

func (b *ibvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ready = false

	return nil
}

func (b *ibvBackend) deviceList() ([]*C.struct_ibv_device, func(), error) {
	var num C.int

	list := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, nil, fmt.Errorf("%w: ibv_get_device_list", ErrDeviceNotFound)
	}

	devices := unsafe.Slice(list, int(num))

	return devices, func() { C.ibv_free_device_list(list) }, nil
}

func (b *ibvBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	if !b.isReady() {
		return nil, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	if err != nil {
		return nil, err
	}
	defer free()

	result := make([]VerbsDeviceInfo, 0, len(devices))
	for _, dev := range devices {
		result = append(result, VerbsDeviceInfo{
			Name:      C.GoString(C.ibv_get_device_name(dev)),
			GUID:      uint64(C.ibv_get_device_guid(dev)),
			NodeType:  int(dev.node_type),
			Transport: int(dev.transport_type),
		})
	}

	return result, nil
}

func (b *ibvBackend) isReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.ready
}

func (b *ibvBackend) OpenDevice(name string) (VerbsContext, error) {
	if !b.isReady() {
		return 0, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	if err != nil {
		return 0, err
	}
	defer free()

	for _, dev := range devices {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("%w: %s", ErrContextCreation, name)
		}

		b.mu.Lock()
		h := VerbsContext(b.handle())
		b.contexts[h] = ctx
		b.mu.Unlock()

		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return h, nil
	}

	return 0, ErrDeviceNotFound
}

func (b *ibvBackend) context(h VerbsContext) (*C.struct_ibv_context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ctx, ok := b.contexts[h]
	if !ok {
		return nil, ErrContextCreation
	}

	return ctx, nil
}

func (b *ibvBackend) CloseDevice(h VerbsContext) error {
	b.mu.Lock()
	ctx, ok := b.contexts[h]
	delete(b.contexts, h)
	b.mu.Unlock()

	if !ok {
		return ErrContextCreation
	}

	if rc := C.ibv_close_device(ctx); rc != 0 {
		return ibvErr("ibv_close_device", rc, nil)
	}

	return nil
}

func (b *ibvBackend) QueryDevice(h VerbsContext) (*VerbsDeviceAttr, error) {
	ctx, err := b.context(h)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_device_attr
	if rc := C.ibv_query_device(ctx, &attr); rc != 0 {
		return nil, ibvErr("ibv_query_device", rc, nil)
	}

	return &VerbsDeviceAttr{
		FWVer:       C.GoString(&attr.fw_ver[0]),
		NodeGUID:    uint64(attr.node_guid),
		MaxMRSize:   uint64(attr.max_mr_size),
		MaxQP:       int(attr.max_qp),
		MaxQPWR:     int(attr.max_qp_wr),
		MaxSGE:      int(attr.max_sge),
		MaxCQ:       int(attr.max_cq),
		MaxCQE:      int(attr.max_cqe),
		MaxMR:       int(attr.max_mr),
		MaxPD:       int(attr.max_pd),
		PhysPortCnt: int(attr.phys_port_cnt),
	}, nil
}

func (b *ibvBackend) QueryPort(h VerbsContext, port int) (*VerbsPortAttr, error) {
	ctx, err := b.context(h)
	if err != nil {
		return nil, err
	}

	var attr C.struct_ibv_port_attr
	if rc := C.rl_query_port(ctx, C.uint8_t(port), &attr); rc != 0 {
		return nil, ibvErr("ibv_query_port", rc, nil)
	}

	linkLayer := "InfiniBand"
	if attr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
		linkLayer = "Ethernet"
	}

	return &VerbsPortAttr{
		State:     int(attr.state),
		MaxMTU:    MTU(attr.max_mtu),
		ActiveMTU: MTU(attr.active_mtu),
		GIDTblLen: int(attr.gid_tbl_len),
		LID:       uint16(attr.lid),
		LinkLayer: linkLayer,
	}, nil
}

func (b *ibvBackend) QueryGID(h VerbsContext, port, index int) (GID, error) {
	ctx, err := b.context(h)
	if err != nil {
		return GID{}, err
	}

	var raw C.union_ibv_gid
	if rc := C.ibv_query_gid(ctx, C.uint8_t(port), C.int(index), &raw); rc != 0 {
		return GID{}, fmt.Errorf("%w: %w", ErrGIDQuery, ibvErr("ibv_query_gid", rc, nil))
	}

	return *(*GID)(unsafe.Pointer(&raw)), nil
}

func (b *ibvBackend) CreateCompChannel(h VerbsContext) (VerbsCompChannel, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	ch, cerr := C.ibv_create_comp_channel(ctx)
	if ch == nil {
		return 0, ibvErr("ibv_create_comp_channel", -1, cerr)
	}

	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return 0, fmt.Errorf("set completion channel non-blocking: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handle := VerbsCompChannel(b.handle())
	b.channels[handle] = &ibvChannel{ch: ch}

	return handle, nil
}

func (b *ibvBackend) channel(h VerbsCompChannel) (*ibvChannel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.channels[h]
	if !ok {
		return nil, ErrCompChannelClosed
	}

	return ch, nil
}

func (b *ibvBackend) DestroyCompChannel(h VerbsCompChannel) error {
	ch, err := b.channel(h)
	if err != nil {
		return err
	}

	// Waits for an in-flight poll on the fd to return.
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if rc := C.ibv_destroy_comp_channel(ch.ch); rc != 0 {
		return ibvErr("ibv_destroy_comp_channel", rc, nil)
	}

	ch.closed = true

	b.mu.Lock()
	delete(b.channels, h)
	b.mu.Unlock()

	return nil
}

func (b *ibvBackend) WaitCompChannel(ctx context.Context, h VerbsCompChannel) error {
	ch, err := b.channel(h)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch.mu.RLock()
		if ch.closed {
			ch.mu.RUnlock()
			return ErrCompChannelClosed
		}

		fds := []unix.PollFd{{Fd: int32(ch.ch.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, compChannelPollMillis)
		ch.mu.RUnlock()

		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("poll completion channel: %w", err)
		}

		if n > 0 {
			return nil
		}
	}
}

func (b *ibvBackend) GetCQEvent(h VerbsCompChannel) (VerbsCQ, error) {
	ch, err := b.channel(h)
	if err != nil {
		return 0, err
	}

	var cq *C.struct_ibv_cq
	if rc, cerr := C.rl_get_cq_event(ch.ch, &cq); rc != 0 {
		if errors.Is(cerr, syscall.EAGAIN) {
			return 0, ErrNoCQEvent
		}

		return 0, ibvErr("ibv_get_cq_event", rc, cerr)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	handle, ok := b.cqHandles[cq]
	if !ok {
		return 0, ErrCQCreation
	}

	return handle, nil
}

func (b *ibvBackend) AckCQEvents(h VerbsCQ, n int) {
	cq, err := b.cq(h)
	if err != nil {
		return
	}

	C.ibv_ack_cq_events(cq, C.uint(n))
}

func (b *ibvBackend) AllocPD(h VerbsContext) (VerbsPD, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, ErrPDCreation
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handle := VerbsPD(b.handle())
	b.pds[handle] = pd
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return handle, nil
}

func (b *ibvBackend) pd(h VerbsPD) (*C.struct_ibv_pd, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pd, ok := b.pds[h]
	if !ok {
		return nil, ErrPDCreation
	}

	return pd, nil
}

func (b *ibvBackend) DeallocPD(h VerbsPD) error {
	pd, err := b.pd(h)
	if err != nil {
		return err
	}

	if rc := C.ibv_dealloc_pd(pd); rc != 0 {
		return ibvErr("ibv_dealloc_pd", rc, nil)
	}

	b.mu.Lock()
	delete(b.pds, h)
	b.mu.Unlock()

	return nil
}

func (b *ibvBackend) CreateCQ(h VerbsContext, cqe int, chHandle VerbsCompChannel) (VerbsCQ, error) {
	ctx, err := b.context(h)
	if err != nil {
		return 0, err
	}

	var channel *C.struct_ibv_comp_channel

	if chHandle != 0 {
		ch, err := b.channel(chHandle)
		if err != nil {
			return 0, err
		}

		channel = ch.ch
	}

	cq, cerr := C.ibv_create_cq(ctx, C.int(cqe), nil, channel, 0)
	if cq == nil {
		return 0, fmt.Errorf("%w: %w", ErrCQCreation, ibvErr("ibv_create_cq", -1, cerr))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handle := VerbsCQ(b.handle())
	b.cqs[handle] = cq
	b.cqHandles[cq] = handle
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return handle, nil
}

func (b *ibvBackend) cq(h VerbsCQ) (*C.struct_ibv_cq, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cq, ok := b.cqs[h]
	if !ok {
		return nil, ErrCQCreation
	}

	return cq, nil
}

func (b *ibvBackend) DestroyCQ(h VerbsCQ) error {
	cq, err := b.cq(h)
	if err != nil {
		return err
	}

	if rc := C.ibv_destroy_cq(cq); rc != 0 {
		return ibvErr("ibv_destroy_cq", rc, nil)
	}

	b.mu.Lock()
	delete(b.cqs, h)
	delete(b.cqHandles, cq)
	b.mu.Unlock()

	return nil
}

func (b *ibvBackend) ReqNotifyCQ(h VerbsCQ) error {
	cq, err := b.cq(h)
	if err != nil {
		return err
	}

	if rc := C.rl_req_notify_cq(cq); rc != 0 {
		return ibvErr("ibv_req_notify_cq", rc, nil)
	}

	return nil
}

func (b *ibvBackend) PollCQ(h VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	cq, err := b.cq(h)
	if err != nil {
		return nil, err
	}

	wcs := make([]C.struct_ibv_wc, numEntries)

	n := C.rl_poll_cq(cq, C.int(numEntries), &wcs[0])
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrPollCQ, int(n))
	}

	result := make([]VerbsWorkCompletion, int(n))
	for i := range result {
		wc := &wcs[i]
		result[i] = VerbsWorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    WCOpcode(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
			SrcQP:     uint32(wc.src_qp),
			WCFlags:   int(wc.wc_flags),
			PkeyIndex: uint16(wc.pkey_index),
			SLID:      uint16(wc.slid),
			SL:        uint8(wc.sl),
			DLIDPath:  uint8(wc.dlid_path_bits),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return result, nil
}

func qpTypeToC(t QPType) C.enum_ibv_qp_type {
	switch t {
	case QPTypeUC:
		return C.IBV_QPT_UC
	case QPTypeUD:
		return C.IBV_QPT_UD
	default:
		return C.IBV_QPT_RC
	}
}

func (b *ibvBackend) CreateQP(pdHandle VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error) {
	pd, err := b.pd(pdHandle)
	if err != nil {
		return 0, err
	}

	scq, err := b.cq(sendCQ)
	if err != nil {
		return 0, err
	}

	rcq, err := b.cq(recvCQ)
	if err != nil {
		return 0, err
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = scq
	init.recv_cq = rcq
	init.qp_type = qpTypeToC(qpType)
	init.cap.max_send_wr = C.uint32_t(maxSend)
	init.cap.max_recv_wr = C.uint32_t(maxRecv)
	init.cap.max_send_sge = C.uint32_t(maxSge)
	init.cap.max_recv_sge = C.uint32_t(maxSge)

	qp, cerr := C.ibv_create_qp(pd, &init)
	if qp == nil {
		return 0, fmt.Errorf("%w: %w", ErrQPCreation, ibvErr("ibv_create_qp", -1, cerr))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handle := VerbsQP(b.handle())
	b.qps[handle] = qp
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return handle, nil
}

func (b *ibvBackend) qp(h VerbsQP) (*C.struct_ibv_qp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	qp, ok := b.qps[h]
	if !ok {
		return nil, ErrQPCreation
	}

	return qp, nil
}

func (b *ibvBackend) DestroyQP(h VerbsQP) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	if rc := C.ibv_destroy_qp(qp); rc != 0 {
		return ibvErr("ibv_destroy_qp", rc, nil)
	}

	b.mu.Lock()
	delete(b.qps, h)
	b.mu.Unlock()

	return nil
}

func (b *ibvBackend) ModifyQPToInit(h VerbsQP, port int, access int) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(port)
	attr.qp_access_flags = C.uint(access)

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w: %w", ErrModifyQP, ibvErr("ibv_modify_qp(INIT)", rc, nil))
	}

	return nil
}

func (b *ibvBackend) ModifyQPToRTR(h VerbsQP, a *VerbsQPAttr) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.enum_ibv_mtu(a.PathMTU)
	attr.dest_qp_num = C.uint32_t(a.DestQPN)
	attr.rq_psn = C.uint32_t(a.RQPsn)
	attr.max_dest_rd_atomic = C.uint8_t(a.MaxDestRdAtomic)
	attr.min_rnr_timer = C.uint8_t(a.MinRnrTimer)
	attr.ah_attr.dlid = C.uint16_t(a.Path.DLID)
	attr.ah_attr.sl = C.uint8_t(a.Path.SL)
	attr.ah_attr.src_path_bits = C.uint8_t(a.Path.SrcPathBits)
	attr.ah_attr.port_num = C.uint8_t(a.Path.PortNum)

	if a.Path.IsGlobal {
		attr.ah_attr.is_global = 1
		*(*GID)(unsafe.Pointer(&attr.ah_attr.grh.dgid)) = a.Path.GRH.DGID
		attr.ah_attr.grh.flow_label = C.uint32_t(a.Path.GRH.FlowLabel)
		attr.ah_attr.grh.sgid_index = C.uint8_t(a.Path.GRH.SGIDIndex)
		attr.ah_attr.grh.hop_limit = C.uint8_t(a.Path.GRH.HopLimit)
		attr.ah_attr.grh.traffic_class = C.uint8_t(a.Path.GRH.TrafficClass)
	}

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if rc := C.ibv_modify_qp(qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w: %w", ErrModifyQP, ibvErr("ibv_modify_qp(RTR)", rc, nil))
	}

	return nil
}

func (b *ibvBackend) ModifyQPToRTS(h VerbsQP, a *VerbsQPAttr) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = C.uint8_t(a.Timeout)
	attr.retry_cnt = C.uint8_t(a.RetryCnt)
	attr.rnr_retry = C.uint8_t(a.RnrRetry)
	attr.sq_psn = C.uint32_t(a.SQPsn)
	attr.max_rd_atomic = C.uint8_t(a.MaxRdAtomic)

	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY |
		C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if rc := C.ibv_modify_qp(qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w: %w", ErrModifyQP, ibvErr("ibv_modify_qp(RTS)", rc, nil))
	}

	return nil
}

func (b *ibvBackend) QueryQP(h VerbsQP) (*VerbsQPAttr, error) {
	qp, err := b.qp(h)
	if err != nil {
		return nil, err
	}

	var (
		attr C.struct_ibv_qp_attr
		init C.struct_ibv_qp_init_attr
	)

	if rc := C.ibv_query_qp(qp, &attr, C.int(C.IBV_QP_STATE|C.IBV_QP_CAP), &init); rc != 0 {
		return nil, ibvErr("ibv_query_qp", rc, nil)
	}

	return &VerbsQPAttr{
		State: QPState(attr.qp_state),
		QPN:   uint32(qp.qp_num),
		Cap: VerbsQPCap{
			MaxSendWR:     uint32(init.cap.max_send_wr),
			MaxRecvWR:     uint32(init.cap.max_recv_wr),
			MaxSendSge:    uint32(init.cap.max_send_sge),
			MaxRecvSge:    uint32(init.cap.max_recv_sge),
			MaxInlineData: uint32(init.cap.max_inline_data),
		},
	}, nil
}

func (b *ibvBackend) RegMR(pdHandle VerbsPD, buf []byte, access int) (VerbsMR, error) {
	pd, err := b.pd(pdHandle)
	if err != nil {
		return 0, err
	}

	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	// buf is mmap'd by the caller, outside the Go heap.
	mr, cerr := C.ibv_reg_mr(pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return 0, fmt.Errorf("%w: %w", ErrMRCreation, ibvErr("ibv_reg_mr", -1, cerr))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handle := VerbsMR(b.handle())
	b.mrs[handle] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return handle, nil
}

func (b *ibvBackend) MRKeys(h VerbsMR) (uint32, uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	mr, ok := b.mrs[h]
	if !ok {
		return 0, 0, ErrMRCreation
	}

	return uint32(mr.lkey), uint32(mr.rkey), nil
}

func (b *ibvBackend) DeregMR(h VerbsMR) error {
	b.mu.Lock()
	mr, ok := b.mrs[h]
	delete(b.mrs, h)
	b.mu.Unlock()

	if !ok {
		return ErrMRCreation
	}

	if rc := C.ibv_dereg_mr(mr); rc != 0 {
		return ibvErr("ibv_dereg_mr", rc, nil)
	}

	return nil
}

func (b *ibvBackend) PostSend(h VerbsQP, wr *VerbsSendWR) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	if len(wr.SGList) != 1 {
		return fmt.Errorf("%w: %d scatter/gather entries", ErrPostSend, len(wr.SGList))
	}

	sge := wr.SGList[0]
	if rc := C.rl_post_send(qp, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length),
		C.uint32_t(sge.LKey), C.int(wr.Opcode), C.int(wr.SendFlags), C.uint32_t(wr.ImmData)); rc != 0 {
		return fmt.Errorf("%w: %w", ErrPostSend, ibvErr("ibv_post_send", rc, nil))
	}

	atomic.AddInt64(&b.metrics.SendsPosted, 1)
	atomic.AddInt64(&b.metrics.BytesMoved, int64(sge.Length))

	return nil
}

func (b *ibvBackend) PostRecv(h VerbsQP, wr *VerbsRecvWR) error {
	qp, err := b.qp(h)
	if err != nil {
		return err
	}

	if len(wr.SGList) != 1 {
		return fmt.Errorf("%w: %d scatter/gather entries", ErrPostRecv, len(wr.SGList))
	}

	sge := wr.SGList[0]
	if rc := C.rl_post_recv(qp, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length),
		C.uint32_t(sge.LKey)); rc != 0 {
		return fmt.Errorf("%w: %w", ErrPostRecv, ibvErr("ibv_post_recv", rc, nil))
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *ibvBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"bytes_moved":    atomic.LoadInt64(&b.metrics.BytesMoved),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
	}
}
