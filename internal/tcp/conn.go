// Package tcp carries the short-lived bootstrap sockets the RDMA handshake
// runs over.
//
// Every Conn is bound to one reactor.Loop. Inbound bytes accumulate in a
// per-connection buffer and the Handler sees them on that loop, so handshake
// state needs no locking.
package tcp

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/reactor"
)

const readChunkSize = 4096

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("tcp: connection closed")

// Handler receives connection events. All methods run on the connection's
// loop.
type Handler interface {
	OnConnected(c *Conn)
	// OnMessage is called with every byte received so far that the handler
	// has not consumed. Unread bytes stay in buf for the next call.
	OnMessage(c *Conn, buf *bytes.Buffer)
	OnDisconnected(c *Conn)
}

// Conn is one bootstrap socket.
type Conn struct {
	nc        net.Conn
	handler   Handler
	loop      *reactor.Loop
	context   any
	onClose   func(*Conn)
	name      string
	in        bytes.Buffer
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	writeShut atomic.Bool
}

func newConn(name string, nc net.Conn, loop *reactor.Loop, handler Handler) *Conn {
	return &Conn{
		name:    name,
		nc:      nc,
		loop:    loop,
		handler: handler,
	}
}

// Name returns the connection name.
func (c *Conn) Name() string {
	return c.name
}

// Loop returns the loop the connection is bound to.
func (c *Conn) Loop() *reactor.Loop {
	return c.loop
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// SetContext attaches per-connection state. Only call it on the loop.
func (c *Conn) SetContext(v any) {
	c.context = v
}

// Context returns the value set with SetContext.
func (c *Conn) Context() any {
	return c.context
}

// Connected reports whether the socket is still open.
func (c *Conn) Connected() bool {
	return !c.closed.Load()
}

// Send writes b in full.
func (c *Conn) Send(b []byte) error {
	if c.closed.Load() || c.writeShut.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.nc.Write(b)

	return err
}

// Shutdown closes the write side. The peer reads EOF and closes, after which
// this side sees OnDisconnected.
func (c *Conn) Shutdown() error {
	if !c.writeShut.CompareAndSwap(false, true) {
		return nil
	}

	if tc, ok := c.nc.(interface{ CloseWrite() error }); ok {
		return tc.CloseWrite()
	}

	return c.Close()
}

// Close closes the socket. OnDisconnected is delivered once by the read
// goroutine.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})

	return err
}

// start announces the connection and begins reading.
func (c *Conn) start() {
	c.loop.Post(func() { c.handler.OnConnected(c) })

	go c.readLoop()
}

func (c *Conn) readLoop() {
	buf := make([]byte, readChunkSize)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.loop.Post(func() {
				c.in.Write(chunk)
				c.handler.OnMessage(c, &c.in)
			})
		}

		if err != nil {
			if !c.closed.Load() {
				log.Debug().Err(err).Str("conn", c.name).Msg("Bootstrap connection read ended")
			}

			break
		}
	}

	_ = c.Close()

	c.loop.Post(func() {
		c.handler.OnDisconnected(c)

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
