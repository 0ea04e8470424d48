package rdma

import (
	"bytes"
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/tcp"
)

// ServerConfig configures the RDMA server.
type ServerConfig struct {
	Backend       VerbsBackend
	GIDs          GIDTable
	Handler       EventHandler
	Name          string
	ListenAddress string
	DeviceName    string
	Port          int
	SlotSize      int
	SlotCount     int
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Name:          "rdmalink-server",
		ListenAddress: ":18515",
		DeviceName:    "mlx5_0",
		Port:          1,
		SlotSize:      64 * 1024,
		SlotCount:     16,
	}
}

// ServerMetrics tracks handshake outcomes of one server.
type ServerMetrics struct {
	HandshakesStarted int64
	HandshakesFailed  int64
	Established       int64
	Disconnected      int64
}

// Server accepts bootstrap connections and runs one Handshake per peer.
// Established connections are kept in a registry keyed by name.
type Server struct {
	config  *ServerConfig
	pool    *reactor.Pool
	tcp     *tcp.Server
	conns   map[string]*Connection
	metrics ServerMetrics
	mu      sync.Mutex
	running atomic.Bool
}

// NewServer creates a server dispatching connections over the loops of pool.
func NewServer(pool *reactor.Pool, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}

	if config.Backend == nil {
		return nil, wrapErr(ErrUnexpected, nil, "server needs a verbs backend")
	}

	s := &Server{
		config: config,
		pool:   pool,
		conns:  make(map[string]*Connection),
	}
	s.tcp = tcp.NewServer(config.Name, config.ListenAddress, pool, s)

	return s, nil
}

// Start listens for bootstrap connections.
func (s *Server) Start(ctx context.Context) error {
	if err := s.tcp.Start(ctx); err != nil {
		return wrapErr(ErrTCPListen, err, "%s", s.config.ListenAddress)
	}

	s.running.Store(true)

	return nil
}

// Addr returns the bootstrap listener address.
func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Connections returns the registered connections ordered by name.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}

	sort.Slice(conns, func(i, j int) bool { return conns[i].Name() < conns[j].Name() })

	return conns
}

// Lookup returns a registered connection.
func (s *Server) Lookup(name string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[name]

	return c, ok
}

// Metrics returns a snapshot of the handshake counters.
func (s *Server) Metrics() ServerMetrics {
	return ServerMetrics{
		HandshakesStarted: atomic.LoadInt64(&s.metrics.HandshakesStarted),
		HandshakesFailed:  atomic.LoadInt64(&s.metrics.HandshakesFailed),
		Established:       atomic.LoadInt64(&s.metrics.Established),
		Disconnected:      atomic.LoadInt64(&s.metrics.Disconnected),
	}
}

// Stop closes the listener and tears down every registered connection on
// its loop. It must not be called from one of the server's loops.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	err := s.tcp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, conn := range s.Connections() {
		conn := conn
		if invokeErr := conn.Loop().Invoke(ctx, func() {
			if conn.State() == StateConnected {
				_ = conn.ConnectDestroyed()
			}
		}); invokeErr != nil {
			log.Warn().Err(invokeErr).Str("conn", conn.Name()).Msg("Failed to tear down RDMA connection")
		}
	}

	log.Info().Str("server", s.config.Name).Msg("RDMA server stopped")

	return err
}

// OnConnected implements tcp.Handler.
func (s *Server) OnConnected(conn *tcp.Conn) {
	atomic.AddInt64(&s.metrics.HandshakesStarted, 1)

	h := NewHandshake(conn, ConnectionConfig{
		Backend:    s.config.Backend,
		GIDs:       s.config.GIDs,
		Loop:       conn.Loop(),
		DeviceName: s.config.DeviceName,
		Port:       s.config.Port,
		SlotSize:   s.config.SlotSize,
		SlotCount:  s.config.SlotCount,
	}, s)
	conn.SetContext(h)

	_ = h.Initiate()
}

// OnMessage implements tcp.Handler.
func (s *Server) OnMessage(conn *tcp.Conn, buf *bytes.Buffer) {
	h, ok := conn.Context().(*Handshake)
	if !ok {
		buf.Reset()
		return
	}

	_ = h.OnBytes(buf)
}

// OnDisconnected implements tcp.Handler.
func (s *Server) OnDisconnected(conn *tcp.Conn) {
	if h, ok := conn.Context().(*Handshake); ok {
		h.OnClosed()
	}
}

// HandshakeReady implements HandshakeListener.
func (s *Server) HandshakeReady(_ *Handshake, conn *Connection) {
	conn.SetHandler(s)
}

// HandshakeFailed implements HandshakeListener.
func (s *Server) HandshakeFailed(h *Handshake, err error) {
	atomic.AddInt64(&s.metrics.HandshakesFailed, 1)
	log.Warn().Err(err).Str("server", s.config.Name).Str("conn", h.Name()).Msg("Peer handshake failed")
}

// HandleEvent implements EventHandler: it maintains the registry and
// forwards every event to the configured handler.
func (s *Server) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		atomic.AddInt64(&s.metrics.Established, 1)

		s.mu.Lock()
		s.conns[ev.Conn.Name()] = ev.Conn
		s.mu.Unlock()
	case EventDisconnected:
		atomic.AddInt64(&s.metrics.Disconnected, 1)

		s.mu.Lock()
		delete(s.conns, ev.Conn.Name())
		s.mu.Unlock()
	}

	if s.config.Handler != nil {
		s.config.Handler.HandleEvent(ev)
	}
}
