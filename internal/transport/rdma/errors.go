package rdma

import (
	"errors"
	"fmt"
)

// Transport error kinds. Setup failures wrap exactly one of these so callers
// can branch with errors.Is regardless of the backend cause.
var (
	ErrFindDevice    = errors.New("rdma: device not found")
	ErrOpenDevice    = errors.New("rdma: failed to open device")
	ErrDeviceInfo    = errors.New("rdma: failed to query device info")
	ErrCompChannel   = errors.New("rdma: failed to create completion channel")
	ErrPD            = errors.New("rdma: failed to allocate protection domain")
	ErrQP            = errors.New("rdma: queue pair error")
	ErrCQ            = errors.New("rdma: completion queue error")
	ErrMR            = errors.New("rdma: memory registration error")
	ErrTCPListen     = errors.New("rdma: bootstrap listen failed")
	ErrTCPConnection = errors.New("rdma: bootstrap connection failed")
	ErrUnexpected    = errors.New("rdma: unexpected state")
)

// wrapErr attaches a kind to a backend cause.
func wrapErr(kind error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}

	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}

// ErrorKind returns the transport error kind carried by err, or nil.
func ErrorKind(err error) error {
	for _, kind := range []error{
		ErrFindDevice, ErrOpenDevice, ErrDeviceInfo, ErrCompChannel, ErrPD,
		ErrQP, ErrCQ, ErrMR, ErrTCPListen, ErrTCPConnection, ErrUnexpected,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}
