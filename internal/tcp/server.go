package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/reactor"
)

// Server accepts bootstrap connections and binds each to a loop of its pool.
type Server struct {
	listener net.Listener
	handler  Handler
	pool     *reactor.Pool
	conns    map[string]*Conn
	group    *errgroup.Group
	name     string
	address  string
	nextID   atomic.Uint64
	mu       sync.Mutex
	running  atomic.Bool
}

// NewServer creates a server listening on address once started.
func NewServer(name, address string, pool *reactor.Pool, handler Handler) *Server {
	return &Server{
		name:    name,
		address: address,
		pool:    pool,
		handler: handler,
		conns:   make(map[string]*Conn),
	}
}

// Start listens and begins accepting in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("tcp server already running")
	}

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = ln
	s.group, _ = errgroup.WithContext(ctx)
	s.group.Go(s.acceptLoop)

	log.Info().Str("server", s.name).Str("address", ln.Addr().String()).Msg("Bootstrap server listening")

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accept failed: %w", err)
		}

		id := s.nextID.Add(1)
		name := fmt.Sprintf("%s-%s#%d", s.name, nc.RemoteAddr(), id)
		conn := newConn(name, nc, s.pool.Next(), s.handler)
		conn.onClose = s.removeConn

		s.mu.Lock()
		s.conns[name] = conn
		s.mu.Unlock()

		log.Debug().Str("conn", name).Msg("Accepted bootstrap connection")
		conn.start()
	}
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.name)
	s.mu.Unlock()
}

// NumConns returns the number of open bootstrap connections.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Stop closes the listener and every open connection, then waits for the
// accept loop to exit.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	err := s.listener.Close()

	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if waitErr := s.group.Wait(); waitErr != nil {
		return waitErr
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
