package csi

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// AccelerationFrameLen is the body length of an acceleration message.
const AccelerationFrameLen = 4 + 8 + 3*4

// DecodeAcceleration decodes an acceleration body (type tag already stripped).
func DecodeAcceleration(b []byte, received time.Time) (Frame, error) {
	if len(b) < AccelerationFrameLen {
		return nil, fmt.Errorf("acceleration frame: %d of %d bytes: %w", len(b), AccelerationFrameLen, ErrShortBuffer)
	}
	be := binary.BigEndian
	f := &AccelerationFrame{
		Received:        received,
		ID:              int32(be.Uint32(b[0:4])),
		ServerTimestamp: int64(be.Uint64(b[4:12])),
	}
	for i := range f.Values {
		f.Values[i] = math.Float32frombits(be.Uint32(b[12+4*i:]))
	}
	return f, nil
}

// EncodeAcceleration is the inverse of DecodeAcceleration.
func EncodeAcceleration(f *AccelerationFrame) []byte {
	be := binary.BigEndian
	b := make([]byte, 0, AccelerationFrameLen)
	b = be.AppendUint32(b, uint32(f.ID))
	b = be.AppendUint64(b, uint64(f.ServerTimestamp))
	for _, v := range f.Values {
		b = be.AppendUint32(b, math.Float32bits(v))
	}
	return b
}
