package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// GzipCompressor compresses each chunk as one gzip member. Writers and
// readers are pooled since a layer is compressed chunk by chunk.
type GzipCompressor struct {
	writers sync.Pool
	readers sync.Pool
	level   int
}

// NewGzipCompressor creates a gzip compressor.
func NewGzipCompressor(level Level) (*GzipCompressor, error) {
	gzLevel := gzip.DefaultCompression

	switch {
	case level <= LevelFastest:
		gzLevel = gzip.BestSpeed
	case level >= LevelBest:
		gzLevel = gzip.BestCompression
	}

	return &GzipCompressor{level: gzLevel}, nil
}

// Algorithm returns the algorithm name.
func (c *GzipCompressor) Algorithm() Algorithm {
	return AlgorithmGzip
}

// Compress compresses one chunk.
func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, ok := c.writers.Get().(*gzip.Writer)
	if ok {
		w.Reset(&buf)
	} else {
		var err error

		if w, err = gzip.NewWriterLevel(&buf, c.level); err != nil {
			return nil, err
		}
	}

	defer c.writers.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress decompresses one chunk. Output beyond the chunk limit is an
// error rather than a truncation.
func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	src := bytes.NewReader(data)

	r, ok := c.readers.Get().(*gzip.Reader)
	if ok {
		if err := r.Reset(src); err != nil {
			return nil, err
		}
	} else {
		var err error

		if r, err = gzip.NewReader(src); err != nil {
			return nil, err
		}
	}

	defer c.readers.Put(r)

	// Chunks are single members.
	r.Multistream(false)

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedChunk+1))
	if err != nil {
		return nil, err
	}

	if len(out) > maxDecodedChunk {
		return nil, fmt.Errorf("%w: gzip member expands past %d bytes", ErrChunkTooLarge, maxDecodedChunk)
	}

	return out, nil
}

// Ensure GzipCompressor implements Compressor.
var _ Compressor = (*GzipCompressor)(nil)
