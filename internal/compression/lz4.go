package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4 chunks carry a 4-byte little-endian header: the decoded length, with
// lz4Stored set when the body is the raw chunk because the block encoder
// could not shrink it.
const (
	lz4HeaderSize = 4
	lz4Stored     = 1 << 31
)

// LZ4Compressor compresses each chunk as one LZ4 block. Blocks have no frame
// header or checksum; the layer digest covers integrity.
type LZ4Compressor struct {
	depth lz4.CompressionLevel // 0 selects the fast encoder
}

// NewLZ4Compressor creates an LZ4 block compressor. LevelBest switches to
// the high-compression encoder.
func NewLZ4Compressor(level Level) (*LZ4Compressor, error) {
	c := &LZ4Compressor{}
	if level >= LevelBest {
		c.depth = lz4.Level9
	}

	return c, nil
}

// Algorithm returns the algorithm name
func (c *LZ4Compressor) Algorithm() Algorithm {
	return AlgorithmLZ4
}

// Compress encodes data as a length-prefixed LZ4 block.
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) > maxDecodedChunk {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}

	out := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))

	var (
		n   int
		err error
	)

	if c.depth == 0 {
		n, err = lz4.CompressBlock(data, out[lz4HeaderSize:], nil)
	} else {
		n, err = lz4.CompressBlockHC(data, out[lz4HeaderSize:], c.depth, nil, nil)
	}

	if err != nil {
		return nil, err
	}

	if n == 0 || n >= len(data) {
		binary.LittleEndian.PutUint32(out, uint32(len(data))|lz4Stored) //nolint:gosec // G115: bounded by maxDecodedChunk
		n = copy(out[lz4HeaderSize:], data)
	} else {
		binary.LittleEndian.PutUint32(out, uint32(len(data))) //nolint:gosec // G115: bounded by maxDecodedChunk
	}

	return out[:lz4HeaderSize+n], nil
}

// Decompress decodes a block produced by Compress.
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, fmt.Errorf("lz4 chunk of %d bytes has no header", len(data))
	}

	hdr := binary.LittleEndian.Uint32(data)
	size, body := int(hdr&^lz4Stored), data[lz4HeaderSize:]

	if size > maxDecodedChunk {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrChunkTooLarge, size)
	}

	if hdr&lz4Stored != 0 {
		if len(body) != size {
			return nil, fmt.Errorf("stored lz4 chunk holds %d bytes, header says %d", len(body), size)
		}

		return append([]byte(nil), body...), nil
	}

	out := make([]byte, size)

	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, err
	}

	if n != size {
		return nil, fmt.Errorf("lz4 block decoded to %d bytes, header says %d", n, size)
	}

	return out, nil
}

// Ensure LZ4Compressor implements Compressor
var _ Compressor = (*LZ4Compressor)(nil)
