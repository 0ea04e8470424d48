// Package rdma implements the RDMA connection-establishment and steady-state
// transport used to move container-image layers between a host and an
// accelerator card.
//
// Queue pairs are negotiated over a short-lived TCP bootstrap socket
// (Handshake), after which all traffic uses two-sided send/receive on a
// reliable-connected queue pair whose registered memory is split into
// fixed-size buffer pairs.
//
// This file defines the verbs abstraction the transport is written against.
//
// Build Tags:
// - Default: only the simulated backend is available (no hardware required)
// - rdma_hw: adds the libibverbs backend (requires rdma-core headers)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrNoCQEvent           = errors.New("no completion event pending")
	ErrCompChannelClosed   = errors.New("completion channel closed")
	ErrCQBusy              = errors.New("completion queue has unacknowledged events")
	ErrGIDQuery            = errors.New("failed to query GID")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryDevice(ctx VerbsContext) (*VerbsDeviceAttr, error)
	QueryPort(ctx VerbsContext, port int) (*VerbsPortAttr, error)
	QueryGID(ctx VerbsContext, port, index int) (GID, error)

	// Completion Channel
	CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error
	// WaitCompChannel blocks until the channel has at least one event to
	// retrieve, the channel is destroyed, or ctx is done.
	WaitCompChannel(ctx context.Context, ch VerbsCompChannel) error
	// GetCQEvent returns ErrNoCQEvent when nothing is pending.
	GetCQEvent(ch VerbsCompChannel) (VerbsCQ, error)
	AckCQEvents(cq VerbsCQ, n int)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	ReqNotifyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)

	// Queue Pair
	CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, port int, access int) error
	ModifyQPToRTR(qp VerbsQP, attr *VerbsQPAttr) error
	ModifyQPToRTS(qp VerbsQP, attr *VerbsQPAttr) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, error)
	MRKeys(mr VerbsMR) (lkey, rkey uint32, err error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr
type VerbsCompChannel uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// QPState mirrors enum ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// MTU mirrors enum ibv_mtu.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << int(m)
}

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// Send work request opcodes and flags.
const (
	WROpSend = 2 // IBV_WR_SEND

	SendFlagSignaled = 1 << 1 // IBV_SEND_SIGNALED
)

// Port states reported by QueryPort.
const (
	PortStateDown   = 1
	PortStateInit   = 2
	PortStateArmed  = 3
	PortStateActive = 4
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"success",
	"local length error",
	"local QP operation error",
	"local EE context operation error",
	"local protection error",
	"Work Request Flushed Error",
	"memory management operation error",
	"bad response error",
	"local access error",
	"remote invalid request error",
	"remote access error",
	"remote operation error",
	"transport retry counter exceeded",
	"RNR retry counter exceeded",
	"local RDD violation error",
	"remote invalid RD request",
	"aborted error",
	"invalid EE context number",
	"invalid EE context state",
	"fatal error",
	"response timeout error",
	"general error",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
)

// Receive-side opcodes have bit 7 set.
const (
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "SEND"
	case WCOpRDMAWrite:
		return "RDMA_WRITE"
	case WCOpRDMARead:
		return "RDMA_READ"
	case WCOpRecv:
		return "RECV"
	case WCOpRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("WCOpcode(%d)", int(o))
	}
}

// IsRecv reports whether the opcode belongs to the receive queue.
func (o WCOpcode) IsRecv() bool {
	return o&WCOpRecv != 0
}

// GID is a 128-bit RDMA global identifier.
type GID [16]byte

// String formats the GID the way sysfs does: eight colon separated groups.
func (g GID) String() string {
	var sb strings.Builder

	for i := 0; i < len(g); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}

		fmt.Fprintf(&sb, "%02x%02x", g[i], g[i+1])
	}

	return sb.String()
}

// InterfaceID returns the lower 64 bits of the GID.
func (g GID) InterfaceID() uint64 {
	var id uint64
	for _, b := range g[8:] {
		id = id<<8 | uint64(b)
	}

	return id
}

// ParseGID parses the sysfs textual form produced by GID.String.
func ParseGID(s string) (GID, error) {
	var g GID

	groups := strings.Split(strings.TrimSpace(s), ":")
	if len(groups) != 8 {
		return g, fmt.Errorf("invalid GID %q", s)
	}

	for i, grp := range groups {
		v, err := strconv.ParseUint(grp, 16, 16)
		if err != nil || len(grp) != 4 {
			return g, fmt.Errorf("invalid GID group %q in %q", grp, s)
		}

		g[2*i] = byte(v >> 8)
		g[2*i+1] = byte(v)
	}

	return g, nil
}

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsDeviceAttr contains the subset of ibv_device_attr the transport sizes
// its queues from.
type VerbsDeviceAttr struct {
	FWVer       string
	NodeGUID    uint64
	MaxMRSize   uint64
	MaxQP       int
	MaxQPWR     int
	MaxSGE      int
	MaxCQ       int
	MaxCQE      int
	MaxMR       int
	MaxPD       int
	PhysPortCnt int
}

// VerbsPortAttr contains the subset of ibv_port_attr the transport uses.
type VerbsPortAttr struct {
	State     int
	MaxMTU    MTU
	ActiveMTU MTU
	GIDTblLen int
	LID       uint16
	LinkLayer string
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           QPState
	PathMTU         MTU
	Path            VerbsAHAttr
	QPN             uint32
	DestQPN         uint32
	RQPsn           uint32
	SQPsn           uint32
	QPAccessFlags   int
	PkeyIndex       uint16
	Cap             VerbsQPCap
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	GRH         VerbsGlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// VerbsGlobalRoute contains global routing info.
type VerbsGlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList    []VerbsSGE
	WRID      uint64
	Opcode    int
	SendFlags int
	ImmData   uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}
