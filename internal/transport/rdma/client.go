package rdma

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/tcp"
)

// ErrClientClosed is returned by Wait after Close.
var ErrClientClosed = errors.New("rdma: client closed")

// ClientConfig configures the RDMA client.
type ClientConfig struct {
	Backend       VerbsBackend
	GIDs          GIDTable
	Handler       EventHandler
	Name          string
	DeviceName    string
	PeerAddress   string
	Port          int
	SlotSize      int
	SlotCount     int
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultClientConfig returns a default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Name:          "rdmalink-client",
		DeviceName:    "mlx5_0",
		Port:          1,
		SlotSize:      64 * 1024,
		SlotCount:     16,
		RetryAttempts: 5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// Client establishes one RDMA connection to a server: it dials the bootstrap
// socket and runs one Handshake on it.
type Client struct {
	config *ClientConfig
	loop   *reactor.Loop
	tcp    *tcp.Client
	conn   *Connection
	err    error
	done   chan struct{}
	mu     sync.Mutex
	once   sync.Once
	closed bool
}

// NewClient creates a client whose connection will be pinned to loop.
func NewClient(loop *reactor.Loop, config *ClientConfig) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}

	if config.Backend == nil {
		return nil, wrapErr(ErrUnexpected, nil, "client needs a verbs backend")
	}

	if config.PeerAddress == "" {
		return nil, wrapErr(ErrTCPConnection, nil, "peer address required")
	}

	c := &Client{
		config: config,
		loop:   loop,
		done:   make(chan struct{}),
	}

	c.tcp = tcp.NewClient(loop, tcp.ClientConfig{
		Name:          config.Name,
		Address:       config.PeerAddress,
		RetryAttempts: config.RetryAttempts,
		RetryDelay:    config.RetryDelay,
		MaxRetryDelay: config.MaxRetryDelay,
		DialTimeout:   5 * time.Second,
	}, c)

	return c, nil
}

// Connect dials the server. The handshake continues on the loop; use Wait
// for its outcome.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tcp.Connect(ctx); err != nil {
		return wrapErr(ErrTCPConnection, err, "connect to %s", c.config.PeerAddress)
	}

	return nil
}

// Wait blocks until the connection is established or the handshake failed.
func (c *Client) Wait(ctx context.Context) (*Connection, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn, c.err
}

// Connection returns the established connection, or nil.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Close tears down the connection and the bootstrap socket. It must not be
// called from the client's loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := c.loop.Invoke(ctx, func() {
			if conn.State() == StateConnected {
				_ = conn.ConnectDestroyed()
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("client", c.config.Name).Msg("Failed to tear down RDMA connection")
		}
	}

	c.finish(nil, ErrClientClosed)

	return c.tcp.Disconnect()
}

func (c *Client) finish(conn *Connection, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.conn = conn
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// OnConnected implements tcp.Handler.
func (c *Client) OnConnected(conn *tcp.Conn) {
	h := NewHandshake(conn, ConnectionConfig{
		Backend:    c.config.Backend,
		GIDs:       c.config.GIDs,
		Loop:       conn.Loop(),
		DeviceName: c.config.DeviceName,
		Port:       c.config.Port,
		SlotSize:   c.config.SlotSize,
		SlotCount:  c.config.SlotCount,
		Name:       c.config.Name,
	}, c)
	conn.SetContext(h)

	_ = h.Initiate()
}

// OnMessage implements tcp.Handler.
func (c *Client) OnMessage(conn *tcp.Conn, buf *bytes.Buffer) {
	h, ok := conn.Context().(*Handshake)
	if !ok {
		buf.Reset()
		return
	}

	_ = h.OnBytes(buf)
}

// OnDisconnected implements tcp.Handler.
func (c *Client) OnDisconnected(conn *tcp.Conn) {
	h, ok := conn.Context().(*Handshake)
	if !ok {
		return
	}

	if h.State() != HandshakeConnected {
		log.Info().Str("client", c.config.Name).Str("state", h.State().String()).
			Msg("Bootstrap socket closed before the RDMA connection was established")
	}

	h.OnClosed()
}

// HandshakeReady implements HandshakeListener.
func (c *Client) HandshakeReady(_ *Handshake, conn *Connection) {
	conn.SetHandler(c)
}

// HandshakeFailed implements HandshakeListener.
func (c *Client) HandshakeFailed(_ *Handshake, err error) {
	c.finish(nil, err)
}

// HandleEvent implements EventHandler and forwards to the configured handler.
func (c *Client) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		c.finish(ev.Conn, nil)
	case EventDisconnected:
		c.mu.Lock()
		if c.conn == ev.Conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}

	if c.config.Handler != nil {
		c.config.Handler.HandleEvent(ev)
	}
}
