package layer

import (
	"context"
	_ "crypto/sha256" // registers the canonical digest algorithm
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/compression"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

var (
	// ErrNotAttached is returned by Push before a connection is attached.
	ErrNotAttached = errors.New("layer: sender has no connection")
	// ErrConnectionLost fails transfers whose connection went away.
	ErrConnectionLost = errors.New("layer: connection lost")
	// ErrRejected wraps the message of a negative Ack.
	ErrRejected = errors.New("layer: transfer rejected by receiver")
)

// Result describes a finished transfer.
type Result struct {
	Digest   digest.Digest
	Name     string
	Path     string // receiver side only
	Size     int64
	Wire     int64 // payload bytes after compression
	Duration time.Duration
	ID       uuid.UUID
	Chunks   int
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Compressor compresses chunks; nil sends them as they are.
	Compressor compression.Compressor
	// ChunkSize caps the raw bytes per chunk; 0 fills the slot. Caps below
	// MinChunkSize are raised to it.
	ChunkSize int
	// Window is how many frames may wait for a slot before Push blocks;
	// 0 means one per send slot.
	Window int
}

// Sender pushes layers over one RDMA connection. It is the event handler
// of that connection; Push may be called from any goroutine and several
// pushes share the connection.
type Sender struct {
	config    SenderConfig
	err       error
	conn      *rdma.Connection
	out       *outbox
	lost      chan struct{}
	transfers map[uuid.UUID]chan Ack
	mu        sync.Mutex
}

// NewSender creates a sender. Attach it to a connection before pushing.
func NewSender(config SenderConfig) *Sender {
	if config.Compressor == nil {
		config.Compressor, _ = compression.New(compression.AlgorithmNone, 0)
	}

	return &Sender{
		config:    config,
		lost:      make(chan struct{}),
		transfers: make(map[uuid.UUID]chan Ack),
	}
}

// Attach binds the sender to an established connection.
func (s *Sender) Attach(conn *rdma.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if s.conn == conn {
			return nil
		}

		return fmt.Errorf("layer: sender already attached to %s", s.conn.Name())
	}

	if conn.State() != rdma.StateConnected {
		return fmt.Errorf("layer: connection %s is %s", conn.Name(), conn.State())
	}

	s.conn = conn
	s.out = newOutbox(conn)

	return nil
}

// ChunkSize returns the raw chunk size pushes will use.
func (s *Sender) ChunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		return 0
	}

	return s.chunkSize()
}

func (s *Sender) chunkSize() int {
	n := s.out.maxFrame() - FrameHeaderSize - ChunkHeaderSize
	if s.config.ChunkSize > 0 && s.config.ChunkSize < n {
		n = max(s.config.ChunkSize, MinChunkSize)
	}

	return n
}

func (s *Sender) begin(id uuid.UUID) (*outbox, chan Ack, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, nil, 0, 0, s.err
	}

	if s.out == nil {
		return nil, nil, 0, 0, ErrNotAttached
	}

	acked := make(chan Ack, 1)
	s.transfers[id] = acked

	window := s.config.Window
	if window <= 0 {
		window = s.conn.SlotCount()
	}

	return s.out, acked, s.chunkSize(), window, nil
}

func (s *Sender) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.transfers, id)
	s.mu.Unlock()
}

// Push sends the layer read from r under name and waits for the receiver
// to acknowledge it. r is read twice: once for the digest, once to send.
func (s *Sender) Push(ctx context.Context, name string, r io.ReadSeeker) (*Result, error) {
	start := time.Now()
	id := uuid.New()

	res, err := s.push(ctx, id, name, r)
	if err != nil {
		metrics.RecordLayerTransfer("send", false, 0, 0, 0)
		log.Error().Err(err).Str("layer", name).Str("transfer", id.String()).Msg("Layer push failed")

		return nil, err
	}

	res.Duration = time.Since(start)
	metrics.RecordLayerTransfer("send", true, res.Size, res.Wire, res.Duration)

	log.Info().
		Str("layer", name).
		Str("transfer", id.String()).
		Str("digest", res.Digest.String()).
		Int64("bytes", res.Size).
		Int64("wire_bytes", res.Wire).
		Int("chunks", res.Chunks).
		Dur("duration", res.Duration).
		Msg("Layer pushed")

	return res, nil
}

func (s *Sender) push(ctx context.Context, id uuid.UUID, name string, r io.ReadSeeker) (*Result, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size layer: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind layer: %w", err)
	}

	dgst, err := digest.SHA256.FromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to digest layer: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind layer: %w", err)
	}

	out, acked, chunkSize, window, err := s.begin(id)
	if err != nil {
		return nil, err
	}
	defer s.forget(id)

	count := (size + int64(chunkSize) - 1) / int64(chunkSize)
	comp := s.config.Compressor
	stats := compression.Stats{Algorithm: comp.Algorithm()}

	enqueue := func(msg Message) error {
		if err := out.wait(ctx, window); err != nil {
			return err
		}

		return out.send(msg)
	}

	err = enqueue(Begin{
		ID:         id,
		Name:       name,
		TotalSize:  uint64(size),      //nolint:gosec // G115: a file size is never negative
		ChunkCount: uint32(count),     //nolint:gosec // G115: bounded by size / chunk size
		ChunkSize:  uint32(chunkSize), //nolint:gosec // G115: bounded by the slot size
		Digest:     dgst,
		Algorithm:  comp.Algorithm().Code(),
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, chunkSize)

	for i := int64(0); i < count; i++ {
		n := min(int64(chunkSize), size-i*int64(chunkSize))

		raw := buf[:n]
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}

		chunk := Chunk{
			ID:      id,
			Index:   uint32(i), //nolint:gosec // G115: i < count
			RawLen:  uint32(n), //nolint:gosec // G115: n <= chunk size
			Payload: raw,
		}

		if comp.Algorithm() != compression.AlgorithmNone {
			t0 := time.Now()

			packed, err := comp.Compress(raw)
			if err == nil && len(packed) < len(raw) {
				chunk.Payload = packed
				chunk.Compressed = true
			}

			stats.Add(len(raw), len(chunk.Payload), time.Since(t0))
		} else {
			stats.Add(len(raw), len(raw), 0)
		}

		if err := enqueue(chunk); err != nil {
			return nil, err
		}
	}

	if err := enqueue(End{ID: id}); err != nil {
		return nil, err
	}

	select {
	case ack := <-acked:
		if !ack.OK {
			return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
		}
	case <-s.lost:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	log.Debug().
		Str("layer", name).
		Str("algorithm", string(stats.Algorithm)).
		Float64("saved_percent", stats.SpaceSavedPercent()).
		Msg("Layer compression")

	return &Result{
		ID:     id,
		Name:   name,
		Digest: dgst,
		Size:   size,
		Wire:   stats.CompressedSize,
		Chunks: int(count),
	}, nil
}

// HandleEvent implements rdma.EventHandler.
func (s *Sender) HandleEvent(ev rdma.Event) {
	s.mu.Lock()
	mine := s.conn != nil && s.conn == ev.Conn
	out := s.out
	s.mu.Unlock()

	if !mine && ev.Conn != nil {
		return
	}

	switch ev.Kind {
	case rdma.EventSendComplete:
		if out != nil {
			out.pump()
		}
	case rdma.EventSendFailed:
		s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err))
	case rdma.EventDisconnected:
		s.fail(ErrConnectionLost)
	case rdma.EventRecv:
		s.handleFrame(ev.Data)
	}
}

func (s *Sender) handleFrame(data []byte) {
	t, body, err := DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Msg("Dropped malformed frame")
		return
	}

	if t != MsgLayerAck {
		log.Warn().Str("type", t.String()).Msg("Sender ignored unexpected frame")
		return
	}

	var ack Ack
	if err := ack.UnmarshalBinary(body); err != nil {
		log.Warn().Err(err).Msg("Dropped malformed ack")
		return
	}

	s.mu.Lock()
	acked, ok := s.transfers[ack.ID]
	s.mu.Unlock()

	if !ok {
		log.Warn().Str("transfer", ack.ID.String()).Msg("Ack for unknown transfer")
		return
	}

	select {
	case acked <- ack:
	default:
	}
}

// fail ends every transfer on the connection.
func (s *Sender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}

	s.err = err
	if s.out != nil {
		s.out.close(err)
	}

	close(s.lost)
}
