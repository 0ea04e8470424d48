package layer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/compression"
	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/testutil"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

const (
	testSlotSize  = 4096
	testSlotCount = 4
	testChunkSize = testSlotSize - FrameHeaderSize - ChunkHeaderSize
)

// link is a sender and a receiver joined by one simulated RDMA connection.
type link struct {
	sender   *Sender
	receiver *Receiver
	client   *rdma.Client
	done     chan Result
	dir      string
}

func newLink(t *testing.T, cfg SenderConfig) *link {
	t.Helper()

	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	l := &link{
		dir:    t.TempDir(),
		done:   make(chan Result, 16),
		sender: NewSender(cfg),
	}

	receiver, err := NewReceiver(ReceiverConfig{
		OutputDir:  l.dir,
		OnComplete: func(res Result) { l.done <- res },
	})
	require.NoError(t, err)
	l.receiver = receiver

	pool := reactor.NewPool("layer-srv", 2)
	pool.Start()

	srvCfg := rdma.DefaultServerConfig()
	srvCfg.Backend = backend
	srvCfg.Handler = receiver
	srvCfg.ListenAddress = "127.0.0.1:0"
	srvCfg.DeviceName = "mlx5_0"
	srvCfg.SlotSize = testSlotSize
	srvCfg.SlotCount = testSlotCount

	srv, err := rdma.NewServer(pool, srvCfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		_ = srv.Stop()
		pool.Stop()
	})

	loop := reactor.NewLoop("layer-cli")
	loop.Start()
	t.Cleanup(loop.Stop)

	cliCfg := rdma.DefaultClientConfig()
	cliCfg.Backend = backend
	cliCfg.Handler = l.sender
	cliCfg.DeviceName = "mlx5_1"
	cliCfg.PeerAddress = srv.Addr().String()
	cliCfg.SlotSize = testSlotSize
	cliCfg.SlotCount = testSlotCount
	cliCfg.RetryDelay = 10 * time.Millisecond

	client, err := rdma.NewClient(loop, cliCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	l.client = client

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	conn, err := client.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, l.sender.Attach(conn))

	return l
}

func (l *link) push(t *testing.T, name string, data []byte) (*Result, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	return l.sender.Push(ctx, name, bytes.NewReader(data))
}

func newCompressor(t *testing.T, alg compression.Algorithm) compression.Compressor {
	t.Helper()

	comp, err := compression.New(alg, compression.LevelDefault)
	require.NoError(t, err)

	return comp
}

func TestPushRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		alg  compression.Algorithm
		data []byte
	}{
		{"none", compression.AlgorithmNone, testutil.Payload(1, 3*testChunkSize+17)},
		{"zstd", compression.AlgorithmZstd, testutil.CompressiblePayload(50000)},
		{"lz4", compression.AlgorithmLZ4, testutil.CompressiblePayload(50000)},
		{"gzip", compression.AlgorithmGzip, testutil.CompressiblePayload(20000)},
		{"zstd incompressible", compression.AlgorithmZstd, testutil.Payload(2, 20000)},
		{"exact chunk multiple", compression.AlgorithmNone, testutil.Payload(3, 2*testChunkSize)},
		{"empty", compression.AlgorithmZstd, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLink(t, SenderConfig{Compressor: newCompressor(t, tt.alg)})

			res, err := l.push(t, "layer.tar", tt.data)
			require.NoError(t, err)

			assert.Equal(t, digest.FromBytes(tt.data), res.Digest)
			assert.Equal(t, int64(len(tt.data)), res.Size)
			assert.Equal(t, (len(tt.data)+testChunkSize-1)/testChunkSize, res.Chunks)

			got := testutil.WaitFor(t, l.done, "completed layer")
			assert.Equal(t, res.ID, got.ID)
			assert.Equal(t, res.Digest, got.Digest)
			assert.Equal(t, res.Wire, got.Wire)
			assert.Equal(t, filepath.Join(l.dir, "layer.tar"), got.Path)

			written, err := os.ReadFile(got.Path)
			require.NoError(t, err)
			testutil.AssertSameBytes(t, tt.data, written)

			if tt.name == "zstd" || tt.name == "lz4" {
				assert.Less(t, res.Wire, res.Size)
			}

			assert.Zero(t, l.receiver.InFlightCount())
		})
	}
}

func TestPushChunkSizeCap(t *testing.T) {
	l := newLink(t, SenderConfig{ChunkSize: 1000})
	assert.Equal(t, 1000, l.sender.ChunkSize())

	data := testutil.Payload(4, 4500)

	res, err := l.push(t, "small-chunks", data)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Chunks)

	got := testutil.WaitFor(t, l.done, "completed layer")
	written, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	testutil.AssertSameBytes(t, data, written)
}

func TestConcurrentPushes(t *testing.T) {
	l := newLink(t, SenderConfig{Compressor: newCompressor(t, compression.AlgorithmLZ4)})

	const n = 6

	layers := make([][]byte, n)
	for i := range layers {
		layers[i] = testutil.Payload(int64(10+i), 5*testChunkSize+i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := range layers {
		g.Go(func() error {
			_, err := l.sender.Push(ctx, fmt.Sprintf("layer-%d.tar", i), bytes.NewReader(layers[i]))
			return err
		})
	}

	require.NoError(t, g.Wait())

	for i := range layers {
		written, err := os.ReadFile(filepath.Join(l.dir, fmt.Sprintf("layer-%d.tar", i)))
		require.NoError(t, err)
		testutil.AssertSameBytes(t, layers[i], written)
	}

	assert.Zero(t, l.receiver.InFlightCount())
	assert.Zero(t, l.sender.out.pending())
}

func TestPushSmallWindow(t *testing.T) {
	l := newLink(t, SenderConfig{Window: 1})

	data := testutil.Payload(5, 12*testChunkSize)

	_, err := l.push(t, "windowed", data)
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(l.dir, "windowed"))
	require.NoError(t, err)
	testutil.AssertSameBytes(t, data, written)
}

func TestPushRejectsBadName(t *testing.T) {
	l := newLink(t, SenderConfig{})

	for _, name := range []string{"../escape", "a/b", "..", ""} {
		_, err := l.push(t, name, []byte("data"))
		require.ErrorIs(t, err, ErrRejected, "name %q", name)
	}

	entries, err := os.ReadDir(l.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(l.dir), "escape"))
}

// corruptingCompressor flips the first byte of every chunk before
// compressing it, so the receiver reassembles data that fails the digest.
type corruptingCompressor struct {
	compression.Compressor
}

func (c corruptingCompressor) Compress(data []byte) ([]byte, error) {
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xff

	return c.Compressor.Compress(bad)
}

func TestPushDigestMismatch(t *testing.T) {
	l := newLink(t, SenderConfig{
		Compressor: corruptingCompressor{newCompressor(t, compression.AlgorithmZstd)},
	})

	_, err := l.push(t, "corrupt.tar", testutil.CompressiblePayload(10000))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "digest mismatch")

	entries, err := os.ReadDir(l.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file left behind")
	assert.Zero(t, l.receiver.InFlightCount())

	// The connection survives a rejected transfer.
	l.sender.config.Compressor = newCompressor(t, compression.AlgorithmZstd)
	_, err = l.push(t, "good.tar", testutil.CompressiblePayload(10000))
	require.NoError(t, err)
}

func TestPushNameTooLong(t *testing.T) {
	l := newLink(t, SenderConfig{})

	_, err := l.push(t, string(bytes.Repeat([]byte("n"), MaxNameLen+1)), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestPushBeforeAttach(t *testing.T) {
	s := NewSender(SenderConfig{})
	assert.Zero(t, s.ChunkSize())

	_, err := s.Push(context.Background(), "layer", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestPushAfterDisconnect(t *testing.T) {
	l := newLink(t, SenderConfig{})

	require.NoError(t, l.client.Close())

	_, err := l.push(t, "late", []byte("data"))
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestAttachTwice(t *testing.T) {
	l := newLink(t, SenderConfig{})

	conn := l.client.Connection()
	require.NotNil(t, conn)
	require.NoError(t, l.sender.Attach(conn))
}

func TestValidateBegin(t *testing.T) {
	dgst := digest.FromString("x")

	const maxTotal = 1 << 20

	tests := []struct {
		name    string
		begin   Begin
		wantErr bool
	}{
		{"valid", Begin{Name: "l", Digest: dgst, TotalSize: 1000, ChunkSize: 600, ChunkCount: 2}, false},
		{"empty layer", Begin{Name: "l", Digest: dgst}, false},
		{"small single chunk", Begin{Name: "l", Digest: dgst, TotalSize: 10, ChunkSize: 10, ChunkCount: 1}, false},
		{"full slot", Begin{Name: "l", Digest: dgst, TotalSize: testChunkSize, ChunkSize: testChunkSize, ChunkCount: 1}, false},
		{"dot", Begin{Name: ".", Digest: dgst}, true},
		{"path", Begin{Name: "a/b", Digest: dgst}, true},
		{"bad digest", Begin{Name: "l", Digest: "sha256:zz"}, true},
		{"too few chunks", Begin{Name: "l", Digest: dgst, TotalSize: 2000, ChunkSize: 600, ChunkCount: 3}, true},
		{"too many chunks", Begin{Name: "l", Digest: dgst, TotalSize: 1200, ChunkSize: 600, ChunkCount: 3}, true},
		{"zero chunk size", Begin{Name: "l", Digest: dgst, TotalSize: 8, ChunkCount: 1}, true},
		{"chunk larger than slot", Begin{Name: "l", Digest: dgst, TotalSize: 8192, ChunkSize: 8192, ChunkCount: 1}, true},
		{"tiny chunks", Begin{Name: "l", Digest: dgst, TotalSize: 4096, ChunkSize: 1, ChunkCount: 4096}, true},
		{"layer over limit", Begin{Name: "l", Digest: dgst, TotalSize: maxTotal + 1, ChunkSize: 4000, ChunkCount: 263}, true},
		{"huge layer of byte chunks", Begin{Name: "l", Digest: dgst, TotalSize: 4e9, ChunkSize: 1, ChunkCount: 4e9}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBegin(tt.begin, testChunkSize, maxTotal)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPushLayerOverLimit(t *testing.T) {
	l := newLink(t, SenderConfig{})
	l.receiver.config.MaxLayerSize = 2 * testChunkSize

	_, err := l.push(t, "big", testutil.Payload(21, 2*testChunkSize+1))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "limit")

	// The connection stays usable for layers within the limit.
	res, err := l.push(t, "small", testutil.Payload(22, testChunkSize))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
}

func TestSenderRaisesTinyChunkCap(t *testing.T) {
	l := newLink(t, SenderConfig{ChunkSize: 16})
	assert.Equal(t, MinChunkSize, l.sender.ChunkSize())

	data := testutil.Payload(23, 3*MinChunkSize+5)

	res, err := l.push(t, "tiny-cap", data)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Chunks)

	got := testutil.WaitFor(t, l.done, "received layer")
	stored, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	testutil.AssertSameBytes(t, data, stored)
}

func TestReceiverIgnoresForeignConnection(t *testing.T) {
	r, err := NewReceiver(ReceiverConfig{OutputDir: t.TempDir()})
	require.NoError(t, err)

	owner, other := &rdma.Connection{}, &rdma.Connection{}

	file, err := os.CreateTemp(t.TempDir(), "layer")
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	id := uuid.New()
	in := &incoming{
		conn:     owner,
		file:     file,
		received: make([]uint64, 1),
		begin:    Begin{ID: id, Name: "l", TotalSize: 4, ChunkSize: 4, ChunkCount: 1},
	}
	r.transfers[id] = in
	r.inFlight.Add(1)

	assert.Same(t, in, r.lookup(owner, id))
	assert.Nil(t, r.lookup(other, id))

	r.chunk(other, Chunk{ID: id, Index: 0, RawLen: 4, Payload: []byte("evil")})
	r.end(other, End{ID: id})

	assert.Zero(t, in.got, "chunk from another connection must not be written")
	assert.Same(t, in, r.lookup(owner, id), "transfer must survive")
	assert.Equal(t, int64(1), r.InFlightCount())
}

func TestNewReceiverRequiresDir(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{})
	require.Error(t, err)
}

func TestReceiverWaitForDrain(t *testing.T) {
	r, err := NewReceiver(ReceiverConfig{OutputDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, r.WaitForDrain(context.Background()))

	r.inFlight.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, r.WaitForDrain(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.inFlight.Add(-1)
	}()

	require.NoError(t, r.WaitForDrain(context.Background()))
}
