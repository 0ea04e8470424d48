package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/compression"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

const (
	// MinChunkSize is the smallest chunk accepted for a layer that spans
	// more than one chunk.
	MinChunkSize = 512
	// DefaultMaxLayerSize bounds a layer when ReceiverConfig.MaxLayerSize
	// is zero.
	DefaultMaxLayerSize = 64 << 30
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// OnComplete is called on the connection's loop after a layer has been
	// verified and moved into place.
	OnComplete func(Result)
	// OutputDir receives finished layers.
	OutputDir string
	// MaxLayerSize is the largest layer accepted, in bytes.
	MaxLayerSize uint64
}

type incoming struct {
	start    time.Time
	conn     *rdma.Connection
	file     *os.File
	comp     compression.Compressor
	final    string
	received []uint64 // bitset by chunk index
	begin    Begin
	wire     int64
	got      uint32
}

// Receiver assembles layers pushed by Senders. It handles the events of
// every connection of a server: each connection's frames arrive on that
// connection's loop.
type Receiver struct {
	config    ReceiverConfig
	transfers map[uuid.UUID]*incoming
	outboxes  map[*rdma.Connection]*outbox
	comps     map[compression.Algorithm]compression.Compressor
	inFlight  atomic.Int64
	mu        sync.Mutex
}

// NewReceiver creates a receiver writing below config.OutputDir.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.OutputDir == "" {
		return nil, errors.New("layer: receiver needs an output directory")
	}

	if config.MaxLayerSize == 0 {
		config.MaxLayerSize = DefaultMaxLayerSize
	}

	if err := os.MkdirAll(config.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Receiver{
		config:    config,
		transfers: make(map[uuid.UUID]*incoming),
		outboxes:  make(map[*rdma.Connection]*outbox),
		comps:     make(map[compression.Algorithm]compression.Compressor),
	}, nil
}

// InFlightCount returns the number of transfers that have begun but not
// ended.
func (r *Receiver) InFlightCount() int64 {
	return r.inFlight.Load()
}

// WaitForDrain waits until no transfer is in flight.
func (r *Receiver) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for r.InFlightCount() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// HandleEvent implements rdma.EventHandler.
func (r *Receiver) HandleEvent(ev rdma.Event) {
	switch ev.Kind {
	case rdma.EventRecv:
		r.handleFrame(ev.Conn, ev.Data)
	case rdma.EventSendComplete:
		if out := r.outbox(ev.Conn, false); out != nil {
			out.pump()
		}
	case rdma.EventDisconnected:
		r.dropConnection(ev.Conn)
	}
}

func (r *Receiver) outbox(conn *rdma.Connection, create bool) *outbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, ok := r.outboxes[conn]
	if !ok && create {
		out = newOutbox(conn)
		r.outboxes[conn] = out
	}

	return out
}

func (r *Receiver) handleFrame(conn *rdma.Connection, data []byte) {
	t, body, err := DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("conn", conn.Name()).Msg("Dropped malformed frame")
		return
	}

	switch t {
	case MsgLayerBegin:
		var m Begin
		if err := m.UnmarshalBinary(body); err != nil {
			log.Warn().Err(err).Str("conn", conn.Name()).Msg("Dropped malformed begin")
			return
		}

		r.begin(conn, m)
	case MsgLayerChunk:
		var m Chunk
		if err := m.UnmarshalBinary(body); err != nil {
			log.Warn().Err(err).Str("conn", conn.Name()).Msg("Dropped malformed chunk")
			return
		}

		r.chunk(conn, m)
	case MsgLayerEnd:
		var m End
		if err := m.UnmarshalBinary(body); err != nil {
			log.Warn().Err(err).Str("conn", conn.Name()).Msg("Dropped malformed end")
			return
		}

		r.end(conn, m)
	default:
		log.Warn().Str("conn", conn.Name()).Str("type", t.String()).Msg("Receiver ignored unexpected frame")
	}
}

func (r *Receiver) reply(conn *rdma.Connection, ack Ack) {
	if err := r.outbox(conn, true).send(ack); err != nil {
		log.Warn().Err(err).Str("conn", conn.Name()).Str("transfer", ack.ID.String()).Msg("Failed to send ack")
	}
}

func (r *Receiver) compressor(alg compression.Algorithm) (compression.Compressor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if comp, ok := r.comps[alg]; ok {
		return comp, nil
	}

	comp, err := compression.New(alg, compression.LevelDefault)
	if err != nil {
		return nil, err
	}

	r.comps[alg] = comp

	return comp, nil
}

// validateBegin checks a Begin against the largest chunk one receive slot
// carries and the largest layer accepted.
func validateBegin(m Begin, maxChunk int, maxTotal uint64) error {
	if m.Name == "" || m.Name == "." || m.Name == ".." || filepath.Base(m.Name) != m.Name {
		return fmt.Errorf("invalid layer name %q", m.Name)
	}

	if err := m.Digest.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", m.Digest, err)
	}

	if m.TotalSize > maxTotal {
		return fmt.Errorf("layer of %d bytes exceeds the %d byte limit", m.TotalSize, maxTotal)
	}

	if m.TotalSize > 0 && m.ChunkSize == 0 {
		return errors.New("zero chunk size")
	}

	if int64(m.ChunkSize) > int64(maxChunk) {
		return fmt.Errorf("chunk size %d exceeds the %d bytes a slot carries", m.ChunkSize, maxChunk)
	}

	if m.TotalSize > uint64(m.ChunkSize) && m.ChunkSize < MinChunkSize {
		return fmt.Errorf("chunk size %d is below the minimum of %d bytes", m.ChunkSize, MinChunkSize)
	}

	var want uint64
	if m.ChunkSize > 0 {
		want = (m.TotalSize + uint64(m.ChunkSize) - 1) / uint64(m.ChunkSize)
	}

	if want != uint64(m.ChunkCount) {
		return fmt.Errorf("%d chunks of %d bytes cannot hold %d bytes", m.ChunkCount, m.ChunkSize, m.TotalSize)
	}

	return nil
}

func (r *Receiver) begin(conn *rdma.Connection, m Begin) {
	logger := log.With().Str("conn", conn.Name()).Str("transfer", m.ID.String()).Str("layer", m.Name).Logger()

	reject := func(err error) {
		logger.Warn().Err(err).Msg("Rejected layer transfer")
		metrics.RecordLayerTransfer("receive", false, 0, 0, 0)
		r.reply(conn, Ack{ID: m.ID, Message: err.Error()})
	}

	maxChunk := conn.SlotSize() - FrameHeaderSize - ChunkHeaderSize
	if err := validateBegin(m, maxChunk, r.config.MaxLayerSize); err != nil {
		reject(err)
		return
	}

	alg, err := compression.AlgorithmFromCode(m.Algorithm)
	if err != nil {
		reject(err)
		return
	}

	comp, err := r.compressor(alg)
	if err != nil {
		reject(err)
		return
	}

	r.mu.Lock()
	_, dup := r.transfers[m.ID]
	r.mu.Unlock()

	if dup {
		reject(errors.New("duplicate transfer id"))
		return
	}

	file, err := os.CreateTemp(r.config.OutputDir, "."+m.Name+".*.partial")
	if err != nil {
		reject(fmt.Errorf("failed to create layer file: %w", err))
		return
	}

	in := &incoming{
		start:    time.Now(),
		conn:     conn,
		file:     file,
		comp:     comp,
		final:    filepath.Join(r.config.OutputDir, m.Name),
		received: make([]uint64, (uint64(m.ChunkCount)+63)/64),
		begin:    m,
	}

	r.mu.Lock()
	r.transfers[m.ID] = in
	r.mu.Unlock()
	r.inFlight.Add(1)

	logger.Info().Uint64("bytes", m.TotalSize).Uint32("chunks", m.ChunkCount).
		Str("algorithm", string(alg)).Msg("Layer transfer started")
}

// lookup finds a transfer begun on conn. Frames naming another
// connection's transfer are treated as unknown.
func (r *Receiver) lookup(conn *rdma.Connection, id uuid.UUID) *incoming {
	r.mu.Lock()
	defer r.mu.Unlock()

	in := r.transfers[id]
	if in == nil || in.conn != conn {
		return nil
	}

	return in
}

func (r *Receiver) chunk(conn *rdma.Connection, m Chunk) {
	in := r.lookup(conn, m.ID)
	if in == nil {
		log.Debug().Str("conn", conn.Name()).Str("transfer", m.ID.String()).Uint32("index", m.Index).Msg("Chunk for unknown transfer dropped")
		return
	}

	if err := r.writeChunk(in, m); err != nil {
		r.abort(in, err, true)
	}
}

func (r *Receiver) writeChunk(in *incoming, m Chunk) error {
	b := in.begin

	if m.Index >= b.ChunkCount {
		return fmt.Errorf("chunk %d out of range (%d chunks)", m.Index, b.ChunkCount)
	}

	word, bit := m.Index/64, uint64(1)<<(m.Index%64)
	if in.received[word]&bit != 0 {
		return fmt.Errorf("chunk %d received twice", m.Index)
	}

	offset := uint64(m.Index) * uint64(b.ChunkSize)
	want := min(uint64(b.ChunkSize), b.TotalSize-offset)

	if uint64(m.RawLen) != want {
		return fmt.Errorf("chunk %d claims %d bytes, expected %d", m.Index, m.RawLen, want)
	}

	raw := m.Payload
	if m.Compressed {
		var err error

		raw, err = in.comp.Decompress(m.Payload)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", m.Index, err)
		}
	}

	if uint64(len(raw)) != want {
		return fmt.Errorf("chunk %d decoded to %d bytes, expected %d", m.Index, len(raw), want)
	}

	// raw may alias the receive slot; WriteAt copies it out before return.
	if _, err := in.file.WriteAt(raw, int64(offset)); err != nil { //nolint:gosec // G115: offset < total size
		return fmt.Errorf("chunk %d: %w", m.Index, err)
	}

	in.received[word] |= bit
	in.got++
	in.wire += int64(len(m.Payload))

	return nil
}

func (r *Receiver) end(conn *rdma.Connection, m End) {
	in := r.lookup(conn, m.ID)
	if in == nil {
		log.Debug().Str("conn", conn.Name()).Str("transfer", m.ID.String()).Msg("End for unknown transfer dropped")
		return
	}

	b := in.begin

	if in.got != b.ChunkCount {
		r.abort(in, fmt.Errorf("ended with %d of %d chunks", in.got, b.ChunkCount), true)
		return
	}

	verifier := b.Digest.Verifier()
	if _, err := io.Copy(verifier, io.NewSectionReader(in.file, 0, int64(b.TotalSize))); err != nil { //nolint:gosec // G115: sizes fit in int64
		r.abort(in, fmt.Errorf("failed to read back layer: %w", err), true)
		return
	}

	if !verifier.Verified() {
		r.abort(in, fmt.Errorf("digest mismatch, expected %s", b.Digest), true)
		return
	}

	tmp := in.file.Name()
	if err := in.file.Close(); err != nil {
		r.abort(in, fmt.Errorf("failed to close layer file: %w", err), true)
		return
	}

	if err := os.Rename(tmp, in.final); err != nil {
		r.abort(in, fmt.Errorf("failed to move layer into place: %w", err), true)
		return
	}

	r.remove(in)

	res := Result{
		ID:       b.ID,
		Name:     b.Name,
		Path:     in.final,
		Digest:   b.Digest,
		Size:     int64(b.TotalSize), //nolint:gosec // G115: sizes fit in int64
		Wire:     in.wire,
		Chunks:   int(b.ChunkCount),
		Duration: time.Since(in.start),
	}

	metrics.RecordLayerTransfer("receive", true, res.Size, res.Wire, res.Duration)

	log.Info().
		Str("conn", in.conn.Name()).
		Str("transfer", b.ID.String()).
		Str("layer", b.Name).
		Str("digest", b.Digest.String()).
		Str("path", in.final).
		Int64("bytes", res.Size).
		Dur("duration", res.Duration).
		Msg("Layer received")

	r.reply(in.conn, Ack{ID: b.ID, OK: true})

	if r.config.OnComplete != nil {
		r.config.OnComplete(res)
	}
}

func (r *Receiver) remove(in *incoming) {
	r.mu.Lock()
	delete(r.transfers, in.begin.ID)
	r.mu.Unlock()
	r.inFlight.Add(-1)
}

// abort discards a transfer and, when the peer is still there, tells it why.
func (r *Receiver) abort(in *incoming, err error, notify bool) {
	log.Warn().Err(err).
		Str("conn", in.conn.Name()).
		Str("transfer", in.begin.ID.String()).
		Str("layer", in.begin.Name).
		Msg("Layer transfer aborted")

	_ = in.file.Close()
	_ = os.Remove(in.file.Name())

	r.remove(in)
	metrics.RecordLayerTransfer("receive", false, 0, 0, 0)

	if notify {
		r.reply(in.conn, Ack{ID: in.begin.ID, Message: err.Error()})
	}
}

func (r *Receiver) dropConnection(conn *rdma.Connection) {
	r.mu.Lock()

	var lost []*incoming

	for _, in := range r.transfers {
		if in.conn == conn {
			lost = append(lost, in)
		}
	}

	out := r.outboxes[conn]
	delete(r.outboxes, conn)
	r.mu.Unlock()

	if out != nil {
		out.close(ErrConnectionLost)
	}

	for _, in := range lost {
		r.abort(in, ErrConnectionLost, false)
	}
}
