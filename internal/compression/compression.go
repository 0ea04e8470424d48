// Package compression provides per-chunk compression for layer transfers.
//
// Supported algorithms:
//
//   - Zstandard (zstd): Best compression ratio with fast decompression (recommended)
//   - LZ4: Fastest compression/decompression, moderate ratio
//   - Gzip: Wide compatibility, moderate performance
//
// A chunk is only sent compressed when the compressed form is smaller, so
// every algorithm carries a one-byte wire code next to the chunk.
//
// Example usage:
//
//	comp, err := compression.New(compression.AlgorithmZstd, compression.LevelDefault)
//	if err != nil {
//	    return err
//	}
//	packed, err := comp.Compress(chunk)
package compression

import (
	"errors"
	"fmt"
	"time"
)

// maxDecodedChunk bounds what one compressed chunk may expand to.
const maxDecodedChunk = 64 << 20

// ErrChunkTooLarge is returned for chunks past the decode limit.
var ErrChunkTooLarge = errors.New("compression: chunk too large")

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// AlgorithmNone disables compression
	AlgorithmNone Algorithm = "none"
	// AlgorithmZstd uses Zstandard compression (recommended)
	AlgorithmZstd Algorithm = "zstd"
	// AlgorithmLZ4 uses LZ4 compression (faster, less compression)
	AlgorithmLZ4 Algorithm = "lz4"
	// AlgorithmGzip uses Gzip compression (widely compatible)
	AlgorithmGzip Algorithm = "gzip"
)

var algorithmCodes = map[Algorithm]uint8{
	AlgorithmNone: 0,
	AlgorithmZstd: 1,
	AlgorithmLZ4:  2,
	AlgorithmGzip: 3,
}

// Code returns the wire code of the algorithm.
func (a Algorithm) Code() uint8 {
	return algorithmCodes[a]
}

// AlgorithmFromCode maps a wire code back to its algorithm.
func AlgorithmFromCode(code uint8) (Algorithm, error) {
	for alg, c := range algorithmCodes {
		if c == code {
			return alg, nil
		}
	}

	return "", fmt.Errorf("unknown compression code %d", code)
}

// ParseAlgorithm validates a configured algorithm name. The empty string
// means none.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return AlgorithmNone, nil
	}

	alg := Algorithm(name)
	if _, ok := algorithmCodes[alg]; !ok {
		return "", fmt.Errorf("unknown compression algorithm: %s", name)
	}

	return alg, nil
}

// Level represents compression level
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// Compressor compresses and decompresses whole chunks. Implementations are
// safe for concurrent use.
type Compressor interface {
	// Compress compresses data and returns compressed bytes
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data and returns original bytes
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the algorithm name
	Algorithm() Algorithm
}

// New creates the compressor for alg. AlgorithmNone yields a compressor
// that passes data through.
func New(alg Algorithm, level Level) (Compressor, error) {
	if level == 0 {
		level = LevelDefault
	}

	var (
		comp Compressor
		err  error
	)

	switch alg {
	case AlgorithmNone, "":
		return noneCompressor{}, nil
	case AlgorithmZstd:
		comp, err = NewZstdCompressor(level)
	case AlgorithmLZ4:
		comp, err = NewLZ4Compressor(level)
	case AlgorithmGzip:
		comp, err = NewGzipCompressor(level)
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", alg)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return comp, nil
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return AlgorithmNone }

// Stats holds statistics about compression effectiveness
type Stats struct {
	Algorithm        Algorithm
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	Duration         time.Duration
}

// Add accounts one chunk.
func (s *Stats) Add(original, compressed int, d time.Duration) {
	s.OriginalSize += int64(original)
	s.CompressedSize += int64(compressed)
	s.Duration += d
	s.CalculateRatio()
}

// CalculateRatio computes the compression ratio
func (s *Stats) CalculateRatio() {
	if s.OriginalSize > 0 {
		s.CompressionRatio = float64(s.CompressedSize) / float64(s.OriginalSize)
	}
}

// SpaceSaved returns bytes saved by compression
func (s *Stats) SpaceSaved() int64 {
	return s.OriginalSize - s.CompressedSize
}

// SpaceSavedPercent returns percentage of space saved
func (s *Stats) SpaceSavedPercent() float64 {
	if s.OriginalSize > 0 {
		return (1 - s.CompressionRatio) * 100
	}

	return 0
}
