package rdma

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

// AckByte is written by each side once its queue pair reached RTS.
const AckByte byte = 42

// HandshakeState is the progress of one bootstrap exchange. States only move
// forward.
type HandshakeState int

const (
	HandshakeNotInit HandshakeState = iota
	HandshakeInit
	HandshakeRTR
	HandshakeRTS
	HandshakeConnected
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotInit:
		return "NotInit"
	case HandshakeInit:
		return "Init"
	case HandshakeRTR:
		return "RTR"
	case HandshakeRTS:
		return "RTS"
	case HandshakeConnected:
		return "Connected"
	case HandshakeFailed:
		return "Failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s HandshakeState) Terminal() bool {
	return s == HandshakeConnected || s == HandshakeFailed
}

// BootstrapConn is the TCP side of a handshake. *tcp.Conn implements it.
type BootstrapConn interface {
	Name() string
	Send(b []byte) error
	Shutdown() error
}

// HandshakeListener learns about the outcome of a handshake. Both methods
// run on the connection's loop.
type HandshakeListener interface {
	// HandshakeReady hands over the connection once its queue pair is in
	// RTS, before any traffic. The owner installs its event handler here.
	HandshakeReady(h *Handshake, conn *Connection)
	// HandshakeFailed reports an aborted attempt. The partial connection has
	// already been released.
	HandshakeFailed(h *Handshake, err error)
}

// Handshake drives one bootstrap exchange: send the local identity, read the
// peer's, connect the queue pair, then trade acknowledgement bytes. All
// methods run on the connection's loop.
type Handshake struct {
	started  time.Time
	tcp      BootstrapConn
	listener HandshakeListener
	conn     *Connection
	config   ConnectionConfig
	state    HandshakeState
}

// NewHandshake creates a handshake for one bootstrap socket. config
// describes the connection to build; its Name defaults to the socket name.
func NewHandshake(tcp BootstrapConn, config ConnectionConfig, listener HandshakeListener) *Handshake {
	if config.Name == "" {
		config.Name = tcp.Name()
	}

	return &Handshake{
		tcp:      tcp,
		config:   config,
		listener: listener,
		state:    HandshakeNotInit,
	}
}

// State returns the current state.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Name returns the name of the connection being negotiated.
func (h *Handshake) Name() string {
	return h.config.Name
}

// transition moves to a later state.
func (h *Handshake) transition(to HandshakeState) error {
	if h.state.Terminal() || to <= h.state {
		return wrapErr(ErrUnexpected, nil, "handshake %s: %s -> %s", h.config.Name, h.state, to)
	}

	log.Debug().Str("conn", h.config.Name).Str("from", h.state.String()).Str("to", to.String()).
		Msg("Handshake transition")
	h.state = to

	return nil
}

// Initiate creates the connection and sends the local identity.
func (h *Handshake) Initiate() error {
	if err := h.transition(HandshakeInit); err != nil {
		return err
	}

	h.started = time.Now()

	conn, err := NewConnection(h.config)
	if err != nil {
		h.fail(err)
		return err
	}

	h.conn = conn

	record, _ := conn.LocalIdentity().MarshalBinary()
	if err := h.tcp.Send(record); err != nil {
		err = wrapErr(ErrTCPConnection, err, "send identity")
		h.fail(err)

		return err
	}

	return nil
}

// OnBytes consumes bootstrap bytes. Incomplete input stays in buf.
func (h *Handshake) OnBytes(buf *bytes.Buffer) error {
	for {
		switch h.state {
		case HandshakeInit:
			if buf.Len() < IdentitySize {
				return nil
			}

			if err := h.onIdentity(buf.Next(IdentitySize)); err != nil {
				return err
			}
		case HandshakeRTS:
			if buf.Len() < 1 {
				return nil
			}

			b, _ := buf.ReadByte()

			return h.onAck(b)
		case HandshakeConnected, HandshakeFailed:
			buf.Reset()
			return nil
		default:
			return wrapErr(ErrUnexpected, nil, "handshake %s received bytes in %s", h.config.Name, h.state)
		}
	}
}

func (h *Handshake) onIdentity(record []byte) error {
	var remote ConnectionIdentity
	if err := remote.UnmarshalBinary(record); err != nil {
		err = wrapErr(ErrTCPConnection, err, "decode identity")
		h.fail(err)

		return err
	}

	if err := h.conn.ConnectQP(remote); err != nil {
		h.fail(err)
		return err
	}

	_ = h.transition(HandshakeRTR)
	_ = h.transition(HandshakeRTS)

	h.listener.HandshakeReady(h, h.conn)

	if err := h.tcp.Send([]byte{AckByte}); err != nil {
		err = wrapErr(ErrTCPConnection, err, "send acknowledgement")
		h.fail(err)

		return err
	}

	return nil
}

func (h *Handshake) onAck(b byte) error {
	if b != AckByte {
		err := wrapErr(ErrTCPConnection, nil, "bad acknowledgement byte %d", b)
		h.fail(err)

		return err
	}

	if err := h.transition(HandshakeConnected); err != nil {
		return err
	}

	conn := h.conn
	h.conn = nil

	metrics.RecordHandshake(true, time.Since(h.started))

	if err := conn.ConnectEstablished(); err != nil {
		return err
	}

	if err := h.tcp.Shutdown(); err != nil {
		log.Debug().Err(err).Str("conn", h.config.Name).Msg("Failed to shut down bootstrap socket")
	}

	return nil
}

// OnClosed handles the bootstrap socket closing. Before Connected that
// aborts the attempt.
func (h *Handshake) OnClosed() {
	if h.state.Terminal() {
		return
	}

	h.fail(wrapErr(ErrTCPConnection, nil, "bootstrap socket closed in %s", h.state))
}

func (h *Handshake) fail(err error) {
	if h.state.Terminal() {
		return
	}

	log.Warn().Err(err).Str("conn", h.config.Name).Str("state", h.state.String()).Msg("Handshake failed")

	h.state = HandshakeFailed

	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}

	if shutdownErr := h.tcp.Shutdown(); shutdownErr != nil {
		log.Debug().Err(shutdownErr).Str("conn", h.config.Name).Msg("Failed to shut down bootstrap socket")
	}

	metrics.RecordHandshake(false, 0)
	h.listener.HandshakeFailed(h, err)
}
