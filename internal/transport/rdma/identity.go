package rdma

import (
	"encoding/binary"
	"fmt"
)

// IdentitySize is the encoded size of a ConnectionIdentity.
const IdentitySize = 42

// ConnectionIdentity is the endpoint record each side sends over the
// bootstrap socket. It advertises the queue pair and one receive buffer,
// the receive slot of buffer pair 0.
type ConnectionIdentity struct {
	GID      GID
	RecvAddr uint64
	QPN      uint32
	PSN      uint32
	RecvLen  uint32
	RecvRKey uint32
	LID      uint16
}

// MarshalBinary encodes the record: packed, little-endian, LID, QPN, PSN,
// GID, then the receive buffer address, length and rkey.
func (id ConnectionIdentity) MarshalBinary() ([]byte, error) {
	return id.AppendBinary(make([]byte, 0, IdentitySize))
}

// AppendBinary appends the encoded record to b.
func (id ConnectionIdentity) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint16(b, id.LID)
	b = binary.LittleEndian.AppendUint32(b, id.QPN)
	b = binary.LittleEndian.AppendUint32(b, id.PSN)
	b = append(b, id.GID[:]...)
	b = binary.LittleEndian.AppendUint64(b, id.RecvAddr)
	b = binary.LittleEndian.AppendUint32(b, id.RecvLen)
	b = binary.LittleEndian.AppendUint32(b, id.RecvRKey)

	return b, nil
}

// UnmarshalBinary decodes the first IdentitySize bytes of data.
func (id *ConnectionIdentity) UnmarshalBinary(data []byte) error {
	if len(data) < IdentitySize {
		return fmt.Errorf("connection identity: need %d bytes, got %d", IdentitySize, len(data))
	}

	id.LID = binary.LittleEndian.Uint16(data[0:])
	id.QPN = binary.LittleEndian.Uint32(data[2:])
	id.PSN = binary.LittleEndian.Uint32(data[6:])
	copy(id.GID[:], data[10:26])
	id.RecvAddr = binary.LittleEndian.Uint64(data[26:])
	id.RecvLen = binary.LittleEndian.Uint32(data[34:])
	id.RecvRKey = binary.LittleEndian.Uint32(data[38:])

	return nil
}

// IsGlobal reports whether the peer must be reached through a global route
// header, which is when its GID carries an interface identifier.
func (id ConnectionIdentity) IsGlobal() bool {
	return id.GID.InterfaceID() != 0
}

func (id ConnectionIdentity) String() string {
	return fmt.Sprintf("lid=%#04x qpn=%#06x psn=%#06x gid=%s recv=%#x/%d rkey=%#x",
		id.LID, id.QPN, id.PSN, id.GID, id.RecvAddr, id.RecvLen, id.RecvRKey)
}
