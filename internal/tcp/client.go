package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/reactor"
)

// ClientConfig configures a bootstrap client.
type ClientConfig struct {
	Name          string
	Address       string
	RetryAttempts int // 0 retries forever
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	DialTimeout   time.Duration
}

// DefaultClientConfig returns a default client configuration.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Name:          "client",
		Address:       addr,
		RetryAttempts: 5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
		DialTimeout:   5 * time.Second,
	}
}

// Client dials one bootstrap connection, retrying with exponential backoff.
type Client struct {
	handler Handler
	loop    *reactor.Loop
	conn    *Conn
	config  ClientConfig
	mu      sync.Mutex
}

// NewClient creates a client whose connection is bound to loop.
func NewClient(loop *reactor.Loop, config ClientConfig, handler Handler) *Client {
	return &Client{
		config:  config,
		loop:    loop,
		handler: handler,
	}
}

// Connect dials the configured address. It returns once the socket is open;
// the handler sees OnConnected on the loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	delay := c.config.RetryDelay

	var lastErr error

	for attempt := 0; c.config.RetryAttempts == 0 || attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			log.Debug().
				Err(lastErr).
				Str("address", c.config.Address).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying bootstrap connection")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay *= 2
			if c.config.MaxRetryDelay > 0 && delay > c.config.MaxRetryDelay {
				delay = c.config.MaxRetryDelay
			}
		}

		nc, err := dialer.DialContext(ctx, "tcp", c.config.Address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			lastErr = err

			continue
		}

		name := fmt.Sprintf("%s-%s", c.config.Name, nc.LocalAddr())
		conn := newConn(name, nc, c.loop, c.handler)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		conn.start()

		return nil
	}

	return fmt.Errorf("failed to connect to %s after %d attempts: %w",
		c.config.Address, c.config.RetryAttempts+1, lastErr)
}

// Conn returns the current connection, or nil before Connect succeeds.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Disconnect closes the current connection.
func (c *Client) Disconnect() error {
	conn := c.Conn()
	if conn == nil {
		return nil
	}

	return conn.Close()
}
