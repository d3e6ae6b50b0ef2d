package csi

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Atheros CSI tool layout, as forwarded by the station's CSI server.
// All multi-byte fields are big-endian.
const (
	AtherosMaxRx    = 3
	AtherosMaxTx    = 3
	AtherosMaxTones = 114

	atherosHeaderLen = 4 + 8 + 2 + 11 + 3*2
	atherosMatrixLen = AtherosMaxRx * AtherosMaxTx * AtherosMaxTones * 8
	// AtherosFrameLen is the body length following the type tag.
	AtherosFrameLen = atherosHeaderLen + atherosMatrixLen

	// The driver reports RSSI as SNR over a noise floor it rarely fills in.
	atherosDefaultNoiseFloor = -95
)

// DecodeAtheros decodes an Atheros CSI body (type tag already stripped).
// The matrix holds only the reported Rx×Tx antennas, although the body
// always carries the full 3×3 block. Trailing bytes are tolerated.
func DecodeAtheros(b []byte, received time.Time) (Frame, error) {
	if len(b) < AtherosFrameLen {
		return nil, fmt.Errorf("atheros frame: %d of %d bytes: %w", len(b), AtherosFrameLen, ErrShortBuffer)
	}
	be := binary.BigEndian

	f := &CSIFrame{
		Received: received,
		ID:       int32(be.Uint32(b[0:4])),
	}
	st := &f.St
	st.ServerTimestamp = be.Uint64(b[4:12])
	st.Channel = be.Uint16(b[12:14])
	st.Bandwidth = b[14]
	st.Rate = b[15]
	st.Rx = int(b[16])
	st.Tx = int(b[17])
	st.NumTones = int(b[18])
	st.Noise = int8(b[19])
	st.PhyErr = b[20]
	noise := int(st.Noise)
	if noise >= 0 {
		noise = atherosDefaultNoiseFloor
	}
	st.RSSI = int(b[21]) + noise
	for i := 0; i < 3; i++ {
		st.ChainRSSI[i] = int(b[22+i]) + noise
	}
	st.PayloadLen = be.Uint16(b[25:27])
	st.CSILen = be.Uint16(b[27:29])
	st.BufLen = be.Uint16(b[29:31])

	if st.NumTones > AtherosMaxTones {
		st.NumTones = AtherosMaxTones
	}

	rx := min(st.Rx, AtherosMaxRx)
	tx := min(st.Tx, AtherosMaxTx)
	f.M = NewMatrix(rx, tx, AtherosMaxTones)
	for r := 0; r < rx; r++ {
		for t := 0; t < tx; t++ {
			off := atherosHeaderLen + (r*AtherosMaxTx+t)*AtherosMaxTones*8
			row := f.M[r][t]
			for s := range row {
				re := int32(be.Uint32(b[off : off+4]))
				im := int32(be.Uint32(b[off+4 : off+8]))
				row[s] = complex(float64(re), float64(im))
				off += 8
			}
		}
	}
	return f, nil
}

// EncodeAtheros is the inverse of DecodeAtheros. Matrix entries are rounded
// to integers and missing antennas or tones are zero filled. RSSI values are
// written back relative to the default noise floor.
func EncodeAtheros(f *CSIFrame) []byte {
	b := make([]byte, 0, AtherosFrameLen)
	be := binary.BigEndian
	st := f.St

	b = be.AppendUint32(b, uint32(f.ID))
	b = be.AppendUint64(b, st.ServerTimestamp)
	b = be.AppendUint16(b, st.Channel)
	noise := int(st.Noise)
	if noise >= 0 {
		noise = atherosDefaultNoiseFloor
	}
	b = append(b,
		st.Bandwidth,
		st.Rate,
		uint8(st.Rx),
		uint8(st.Tx),
		uint8(st.NumTones),
		uint8(st.Noise),
		st.PhyErr,
		uint8(st.RSSI-noise),
		uint8(st.ChainRSSI[0]-noise),
		uint8(st.ChainRSSI[1]-noise),
		uint8(st.ChainRSSI[2]-noise),
	)
	b = be.AppendUint16(b, st.PayloadLen)
	b = be.AppendUint16(b, st.CSILen)
	b = be.AppendUint16(b, st.BufLen)

	for r := 0; r < AtherosMaxRx; r++ {
		for t := 0; t < AtherosMaxTx; t++ {
			for s := 0; s < AtherosMaxTones; s++ {
				var c complex128
				if f.M.Has(r, t) && s < len(f.M[r][t]) {
					c = f.M[r][t][s]
				}
				b = be.AppendUint32(b, uint32(int32(math.Round(real(c)))))
				b = be.AppendUint32(b, uint32(int32(math.Round(imag(c)))))
			}
		}
	}
	return b
}
