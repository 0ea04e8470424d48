package layer

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAs(t *testing.T, frame []byte, want MsgType) []byte {
	t.Helper()

	typ, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, want, typ)

	return body
}

func TestFrameBegin(t *testing.T) {
	in := Begin{
		ID:         uuid.New(),
		Name:       "sha256-layer.tar",
		TotalSize:  1<<32 + 7,
		ChunkCount: 3,
		ChunkSize:  4063,
		Algorithm:  1,
		Digest:     digest.FromString("layer"),
	}

	frame, err := AppendFrame(nil, in)
	require.NoError(t, err)

	var out Begin
	require.NoError(t, out.UnmarshalBinary(decodeAs(t, frame, MsgLayerBegin)))
	assert.Equal(t, in, out)
}

func TestFrameBeginNameTooLong(t *testing.T) {
	_, err := AppendFrame(nil, Begin{Name: strings.Repeat("a", MaxNameLen+1)})
	require.Error(t, err)
}

func TestFrameChunk(t *testing.T) {
	in := Chunk{
		ID:         uuid.New(),
		Index:      9,
		RawLen:     5,
		Compressed: true,
		Payload:    []byte("zstd!"),
	}

	frame, err := AppendFrame([]byte("prefix"), in)
	require.NoError(t, err)
	assert.Len(t, frame, len("prefix")+FrameHeaderSize+ChunkHeaderSize+5)

	var out Chunk
	require.NoError(t, out.UnmarshalBinary(decodeAs(t, frame[len("prefix"):], MsgLayerChunk)))
	assert.Equal(t, in, out)
}

func TestFrameEndAndAck(t *testing.T) {
	id := uuid.New()

	frame, err := AppendFrame(nil, End{ID: id})
	require.NoError(t, err)

	var end End
	require.NoError(t, end.UnmarshalBinary(decodeAs(t, frame, MsgLayerEnd)))
	assert.Equal(t, id, end.ID)

	frame, err = AppendFrame(nil, Ack{ID: id, Message: strings.Repeat("x", 2000)})
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, ack.UnmarshalBinary(decodeAs(t, frame, MsgLayerAck)))
	assert.Equal(t, id, ack.ID)
	assert.False(t, ack.OK)
	assert.Len(t, ack.Message, 1024)
}

func TestDecodeFrameShort(t *testing.T) {
	_, _, err := DecodeFrame([]byte{1, 0, 0})
	require.ErrorIs(t, err, ErrShortFrame)

	frame, err := AppendFrame(nil, End{ID: uuid.New()})
	require.NoError(t, err)

	_, _, err = DecodeFrame(frame[:len(frame)-1])
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeFrameTrailingBytes(t *testing.T) {
	frame, err := AppendFrame(nil, End{ID: uuid.New()})
	require.NoError(t, err)

	// Receive slots are larger than the frame; the length prefix bounds the body.
	_, body, err := DecodeFrame(append(frame, 0xff, 0xff))
	require.NoError(t, err)
	assert.Len(t, body, 16)
}

func TestUnmarshalTruncatedBodies(t *testing.T) {
	var (
		b Begin
		c Chunk
		e End
		a Ack
	)

	assert.ErrorIs(t, b.UnmarshalBinary(make([]byte, 10)), ErrShortFrame)
	assert.ErrorIs(t, c.UnmarshalBinary(make([]byte, ChunkHeaderSize-1)), ErrShortFrame)
	assert.ErrorIs(t, e.UnmarshalBinary(make([]byte, 15)), ErrShortFrame)
	assert.ErrorIs(t, a.UnmarshalBinary(make([]byte, 16)), ErrShortFrame)

	// Name length claims more bytes than follow.
	body := make([]byte, 33, 40)
	body = append(body, 200, 0, 'a')
	assert.ErrorIs(t, b.UnmarshalBinary(body), ErrShortFrame)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "layer_begin", MsgLayerBegin.String())
	assert.Equal(t, "layer_ack", MsgLayerAck.String())
	assert.Equal(t, "msg_42", MsgType(42).String())
}
