package compression

import (
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements Zstandard compression. It keeps one encoder and
// one decoder; their EncodeAll and DecodeAll are safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a new Zstd compressor
func NewZstdCompressor(level Level) (*ZstdCompressor, error) {
	var zstdLevel zstd.EncoderLevel

	switch level {
	case LevelFastest:
		zstdLevel = zstd.SpeedFastest
	case LevelBest:
		zstdLevel = zstd.SpeedBestCompression
	default:
		zstdLevel = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedChunk))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}

	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

// Algorithm returns the algorithm name
func (c *ZstdCompressor) Algorithm() Algorithm {
	return AlgorithmZstd
}

// Compress compresses data using Zstandard
func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

// Decompress decompresses Zstandard data
func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

// Ensure ZstdCompressor implements Compressor
var _ Compressor = (*ZstdCompressor)(nil)
