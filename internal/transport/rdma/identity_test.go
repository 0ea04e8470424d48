package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionIdentityLayout(t *testing.T) {
	gid, err := ParseGID("0000:0000:0000:0000:0000:ffff:0a00:0001")
	require.NoError(t, err)

	id := ConnectionIdentity{
		LID:      0x1234,
		QPN:      0x00abcdef,
		PSN:      0x00123456,
		GID:      gid,
		RecvAddr: 0x7f0000001000,
		RecvLen:  4096,
		RecvRKey: 0x80000007,
	}

	b, err := id.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, IdentitySize)

	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[0:]))
	assert.Equal(t, uint32(0x00abcdef), binary.LittleEndian.Uint32(b[2:]))
	assert.Equal(t, uint32(0x00123456), binary.LittleEndian.Uint32(b[6:]))
	assert.Equal(t, gid[:], b[10:26])
	assert.Equal(t, uint64(0x7f0000001000), binary.LittleEndian.Uint64(b[26:]))
	assert.Equal(t, uint32(4096), binary.LittleEndian.Uint32(b[34:]))
	assert.Equal(t, uint32(0x80000007), binary.LittleEndian.Uint32(b[38:]))

	var decoded ConnectionIdentity
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(t, id, decoded)
}

func TestConnectionIdentityAppend(t *testing.T) {
	prefix := []byte{0xaa, 0xbb}

	b, err := ConnectionIdentity{QPN: 7}.AppendBinary(prefix)
	require.NoError(t, err)
	require.Len(t, b, 2+IdentitySize)
	assert.Equal(t, prefix, b[:2])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[4:]))
}

func TestConnectionIdentityShortInput(t *testing.T) {
	var id ConnectionIdentity

	err := id.UnmarshalBinary(make([]byte, IdentitySize-1))
	assert.Error(t, err)

	// Trailing bytes belong to whatever follows on the socket.
	err = id.UnmarshalBinary(append(make([]byte, IdentitySize), AckByte))
	assert.NoError(t, err)
}

func TestConnectionIdentityIsGlobal(t *testing.T) {
	var id ConnectionIdentity
	assert.False(t, id.IsGlobal(), "zero GID")

	// A subnet prefix alone does not make the route global.
	id.GID[0], id.GID[1] = 0xfe, 0x80
	assert.False(t, id.IsGlobal())

	id.GID[15] = 1
	assert.True(t, id.IsGlobal())

	mapped, err := ParseGID("0000:0000:0000:0000:0000:ffff:c0a8:640a")
	require.NoError(t, err)
	assert.True(t, ConnectionIdentity{GID: mapped}.IsGlobal())
}

func TestConnectionIdentityString(t *testing.T) {
	s := ConnectionIdentity{QPN: 0x101, RecvLen: 4096}.String()
	assert.Contains(t, s, "qpn=0x000101")
	assert.Contains(t, s, "/4096")
}
