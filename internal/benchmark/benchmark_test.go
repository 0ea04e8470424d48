// Package benchmark provides performance benchmarks for the layer transfer
// path. Run with: go test -bench=. -benchmem ./internal/benchmark/...
package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/piwi3910/rdmalink/internal/compression"
	"github.com/piwi3910/rdmalink/internal/layer"
	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/testutil"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Benchmark data sizes
const (
	KB = 1024
	MB = 1024 * KB

	// chunk is the raw payload of one chunk in a default 64 KiB slot.
	chunk = 64*KB - layer.FrameHeaderSize - layer.ChunkHeaderSize
)

var algorithms = []compression.Algorithm{
	compression.AlgorithmZstd,
	compression.AlgorithmLZ4,
	compression.AlgorithmGzip,
}

func newCompressor(b *testing.B, alg compression.Algorithm) compression.Compressor {
	b.Helper()

	comp, err := compression.New(alg, compression.LevelDefault)
	if err != nil {
		b.Fatal(err)
	}

	return comp
}

// BenchmarkDigest benchmarks the sha256 digest every push computes up front.
func BenchmarkDigest_1MB(b *testing.B) {
	data := testutil.Payload(1, 1*MB)
	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		_, _ = digest.SHA256.FromReader(bytes.NewReader(data))
	}
}

func BenchmarkDigestVerify_1MB(b *testing.B) {
	data := testutil.Payload(1, 1*MB)
	dgst := digest.FromBytes(data)
	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		v := dgst.Verifier()
		_, _ = v.Write(data)
		if !v.Verified() {
			b.Fatal("digest mismatch")
		}
	}
}

// BenchmarkChunkCompress benchmarks compressing one slot-sized chunk.
func BenchmarkChunkCompress(b *testing.B) {
	data := testutil.CompressiblePayload(chunk)

	for _, alg := range algorithms {
		b.Run(string(alg), func(b *testing.B) {
			comp := newCompressor(b, alg)
			b.ResetTimer()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				_, _ = comp.Compress(data)
			}
		})
	}
}

func BenchmarkChunkDecompress(b *testing.B) {
	data := testutil.CompressiblePayload(chunk)

	for _, alg := range algorithms {
		b.Run(string(alg), func(b *testing.B) {
			comp := newCompressor(b, alg)
			packed, err := comp.Compress(data)
			if err != nil {
				b.Fatal(err)
			}
			b.ResetTimer()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				_, _ = comp.Decompress(packed)
			}
		})
	}
}

// Parallel compression, as concurrent pushes share one compressor.
func BenchmarkChunkCompress_Parallel(b *testing.B) {
	data := testutil.CompressiblePayload(chunk)
	comp := newCompressor(b, compression.AlgorithmZstd)
	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = comp.Compress(data)
		}
	})
}

// BenchmarkFrameEncode benchmarks framing a chunk into a reused slot buffer.
func BenchmarkFrameEncode(b *testing.B) {
	msg := layer.Chunk{ID: uuid.New(), Payload: testutil.Payload(2, chunk), RawLen: chunk}
	slot := make([]byte, 0, 64*KB)
	b.ResetTimer()
	b.SetBytes(int64(len(msg.Payload)))
	for i := 0; i < b.N; i++ {
		if _, err := layer.AppendFrame(slot[:0], msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFrameDecode(b *testing.B) {
	frame, err := layer.AppendFrame(nil, layer.Chunk{ID: uuid.New(), Payload: testutil.Payload(2, chunk), RawLen: chunk})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.SetBytes(int64(len(frame)))
	for i := 0; i < b.N; i++ {
		_, body, err := layer.DecodeFrame(frame)
		if err != nil {
			b.Fatal(err)
		}

		var c layer.Chunk
		if err := c.UnmarshalBinary(body); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPush benchmarks whole layer pushes over the simulated fabric.
func BenchmarkPush_4MB(b *testing.B) {
	for _, alg := range []compression.Algorithm{compression.AlgorithmNone, compression.AlgorithmZstd, compression.AlgorithmLZ4} {
		b.Run(string(alg), func(b *testing.B) {
			sender := newPushPair(b, alg)
			data := testutil.CompressiblePayload(4 * MB)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			b.ResetTimer()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := sender.Push(ctx, fmt.Sprintf("layer-%d", i%4), bytes.NewReader(data)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func newPushPair(b *testing.B, alg compression.Algorithm) *layer.Sender {
	b.Helper()

	backend := rdma.NewSimulatedVerbsBackend()
	if err := backend.Init(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = backend.Close() })

	receiver, err := layer.NewReceiver(layer.ReceiverConfig{OutputDir: b.TempDir()})
	if err != nil {
		b.Fatal(err)
	}

	pool := reactor.NewPool("bench-srv", 1)
	pool.Start()

	srvCfg := rdma.DefaultServerConfig()
	srvCfg.Backend = backend
	srvCfg.Handler = receiver
	srvCfg.ListenAddress = "127.0.0.1:0"

	srv, err := rdma.NewServer(pool, srvCfg)
	if err != nil {
		b.Fatal(err)
	}

	if err := srv.Start(context.Background()); err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		_ = srv.Stop()
		pool.Stop()
	})

	loop := reactor.NewLoop("bench-cli")
	loop.Start()
	b.Cleanup(loop.Stop)

	cliCfg := rdma.DefaultClientConfig()
	cliCfg.Backend = backend
	cliCfg.DeviceName = "mlx5_1"
	cliCfg.PeerAddress = srv.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), testutil.TestTimeout())
	defer cancel()

	sender, client, err := layer.Dial(ctx, loop, cliCfg, layer.SenderConfig{Compressor: newCompressor(b, alg)})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = client.Close() })

	return sender
}
