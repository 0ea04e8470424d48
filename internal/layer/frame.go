// Package layer moves container image layers over an RDMA connection.
//
// A layer is split into chunks that each fit one send slot. Every RDMA
// message is one frame:
//
//	+----------+----------+----------------+
//	| type u32 | len u32  | body (len)     |
//	+----------+----------+----------------+
//
// little-endian, followed by the message body. A transfer is a Begin frame,
// the chunks in index order, and an End frame; the receiver answers with an
// Ack once the digest has been verified. Transfers are multiplexed on one
// connection by transfer ID.
package layer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// MsgType identifies the body of a frame.
type MsgType uint32

const (
	MsgLayerBegin MsgType = iota + 1
	MsgLayerChunk
	MsgLayerEnd
	MsgLayerAck
)

func (t MsgType) String() string {
	switch t {
	case MsgLayerBegin:
		return "layer_begin"
	case MsgLayerChunk:
		return "layer_chunk"
	case MsgLayerEnd:
		return "layer_end"
	case MsgLayerAck:
		return "layer_ack"
	default:
		return fmt.Sprintf("msg_%d", uint32(t))
	}
}

const (
	// FrameHeaderSize is the type and length prefix of every frame.
	FrameHeaderSize = 8

	// ChunkHeaderSize is the fixed part of a chunk body: transfer ID,
	// index, raw length and flags.
	ChunkHeaderSize = 16 + 4 + 4 + 1

	// MaxNameLen bounds the layer name carried by Begin.
	MaxNameLen = 255

	chunkFlagCompressed = 1 << 0
)

// ErrShortFrame is returned when a buffer ends inside a frame.
var ErrShortFrame = errors.New("layer: short frame")

// Message is a frame body.
type Message interface {
	Type() MsgType
	AppendBinary(b []byte) ([]byte, error)
}

// AppendFrame appends msg, framed, to dst.
func AppendFrame(dst []byte, msg Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, FrameHeaderSize)...)

	dst, err := msg.AppendBinary(dst)
	if err != nil {
		return nil, err
	}

	body := len(dst) - start - FrameHeaderSize
	binary.LittleEndian.PutUint32(dst[start:], uint32(msg.Type()))
	binary.LittleEndian.PutUint32(dst[start+4:], uint32(body)) //nolint:gosec // G115: bounded by the slot size

	return dst, nil
}

// DecodeFrame splits one frame into its type and body. The body aliases b.
func DecodeFrame(b []byte) (MsgType, []byte, error) {
	if len(b) < FrameHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d byte header", ErrShortFrame, len(b))
	}

	t := MsgType(binary.LittleEndian.Uint32(b))
	n := binary.LittleEndian.Uint32(b[4:])

	if uint64(n) > uint64(len(b)-FrameHeaderSize) {
		return 0, nil, fmt.Errorf("%w: body of %d bytes, have %d", ErrShortFrame, n, len(b)-FrameHeaderSize)
	}

	return t, b[FrameHeaderSize : FrameHeaderSize+int(n)], nil
}

// Begin opens a transfer.
type Begin struct {
	Digest     digest.Digest
	Name       string
	TotalSize  uint64
	ID         uuid.UUID
	ChunkCount uint32
	ChunkSize  uint32
	// Algorithm is the compression wire code used by compressed chunks.
	Algorithm uint8
}

func (Begin) Type() MsgType { return MsgLayerBegin }

// AppendBinary encodes the body: ID, total size, chunk count, chunk size,
// algorithm, then the name and digest each prefixed by a u16 length.
func (m Begin) AppendBinary(b []byte) ([]byte, error) {
	if len(m.Name) > MaxNameLen {
		return nil, fmt.Errorf("layer name is %d bytes, limit %d", len(m.Name), MaxNameLen)
	}

	b = append(b, m.ID[:]...)
	b = binary.LittleEndian.AppendUint64(b, m.TotalSize)
	b = binary.LittleEndian.AppendUint32(b, m.ChunkCount)
	b = binary.LittleEndian.AppendUint32(b, m.ChunkSize)
	b = append(b, m.Algorithm)
	b = appendString(b, m.Name)
	b = appendString(b, string(m.Digest))

	return b, nil
}

// UnmarshalBinary decodes a Begin body.
func (m *Begin) UnmarshalBinary(data []byte) error {
	const fixed = 16 + 8 + 4 + 4 + 1
	if len(data) < fixed {
		return fmt.Errorf("%w: begin needs %d bytes, got %d", ErrShortFrame, fixed, len(data))
	}

	copy(m.ID[:], data)
	m.TotalSize = binary.LittleEndian.Uint64(data[16:])
	m.ChunkCount = binary.LittleEndian.Uint32(data[24:])
	m.ChunkSize = binary.LittleEndian.Uint32(data[28:])
	m.Algorithm = data[32]

	name, rest, err := readString(data[fixed:])
	if err != nil {
		return fmt.Errorf("begin name: %w", err)
	}

	dgst, _, err := readString(rest)
	if err != nil {
		return fmt.Errorf("begin digest: %w", err)
	}

	m.Name = name
	m.Digest = digest.Digest(dgst)

	return nil
}

// Chunk carries one slice of the layer. Payload aliases the buffer it was
// decoded from.
type Chunk struct {
	Payload    []byte
	ID         uuid.UUID
	Index      uint32
	RawLen     uint32
	Compressed bool
}

func (Chunk) Type() MsgType { return MsgLayerChunk }

// AppendBinary encodes the chunk header followed by the payload.
func (m Chunk) AppendBinary(b []byte) ([]byte, error) {
	var flags uint8
	if m.Compressed {
		flags |= chunkFlagCompressed
	}

	b = append(b, m.ID[:]...)
	b = binary.LittleEndian.AppendUint32(b, m.Index)
	b = binary.LittleEndian.AppendUint32(b, m.RawLen)
	b = append(b, flags)
	b = append(b, m.Payload...)

	return b, nil
}

// UnmarshalBinary decodes a chunk body without copying the payload.
func (m *Chunk) UnmarshalBinary(data []byte) error {
	if len(data) < ChunkHeaderSize {
		return fmt.Errorf("%w: chunk needs %d bytes, got %d", ErrShortFrame, ChunkHeaderSize, len(data))
	}

	copy(m.ID[:], data)
	m.Index = binary.LittleEndian.Uint32(data[16:])
	m.RawLen = binary.LittleEndian.Uint32(data[20:])
	m.Compressed = data[24]&chunkFlagCompressed != 0
	m.Payload = data[ChunkHeaderSize:]

	return nil
}

// End closes a transfer.
type End struct {
	ID uuid.UUID
}

func (End) Type() MsgType { return MsgLayerEnd }

// AppendBinary encodes the transfer ID.
func (m End) AppendBinary(b []byte) ([]byte, error) {
	return append(b, m.ID[:]...), nil
}

// UnmarshalBinary decodes an End body.
func (m *End) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("%w: end needs 16 bytes, got %d", ErrShortFrame, len(data))
	}

	copy(m.ID[:], data)

	return nil
}

// Ack reports the outcome of a transfer.
type Ack struct {
	Message string
	ID      uuid.UUID
	OK      bool
}

func (Ack) Type() MsgType { return MsgLayerAck }

// AppendBinary encodes the ID, an ok byte and the message.
func (m Ack) AppendBinary(b []byte) ([]byte, error) {
	var ok uint8
	if m.OK {
		ok = 1
	}

	msg := m.Message
	if len(msg) > 1024 {
		msg = msg[:1024]
	}

	b = append(b, m.ID[:]...)
	b = append(b, ok)
	b = appendString(b, msg)

	return b, nil
}

// UnmarshalBinary decodes an Ack body.
func (m *Ack) UnmarshalBinary(data []byte) error {
	if len(data) < 17 {
		return fmt.Errorf("%w: ack needs 17 bytes, got %d", ErrShortFrame, len(data))
	}

	copy(m.ID[:], data)
	m.OK = data[16] == 1

	msg, _, err := readString(data[17:])
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}

	m.Message = msg

	return nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s))) //nolint:gosec // G115: callers bound s
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrShortFrame
	}

	n := int(binary.LittleEndian.Uint16(b))
	if len(b)-2 < n {
		return "", nil, ErrShortFrame
	}

	return string(b[2 : 2+n]), b[2+n:], nil
}
