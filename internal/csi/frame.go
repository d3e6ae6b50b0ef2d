// Package csi defines the typed frames produced by station decoders and the
// decoders themselves.
//
// Every frame carries the client receipt time and the sender's message id.
// CSI frames additionally expose a complex matrix indexed
// [rx antenna][tx antenna][subcarrier] and a vendor status block. Frames are
// immutable once decoded; consumers may retain them.
package csi

import (
	"errors"
	"math"
	"math/cmplx"
	"time"
)

var (
	// ErrShortBuffer is returned when a payload ends before its declared layout.
	ErrShortBuffer = errors.New("csi: short buffer")
	// ErrUnknownDataType is returned for a station data type with no decoder.
	ErrUnknownDataType = errors.New("csi: unknown data type")
)

// Kind identifies the concrete frame variant so consumers can subscribe to
// one variant per station.
type Kind uint8

const (
	KindCSI Kind = iota + 1
	KindAcceleration
)

func (k Kind) String() string {
	switch k {
	case KindCSI:
		return "csi"
	case KindAcceleration:
		return "acceleration"
	default:
		return "unknown"
	}
}

// Frame is the capability shared by every decoded message.
type Frame interface {
	Kind() Kind
	Timestamp() time.Time
	MessageID() int32
}

// CSI is a frame carrying channel state.
type CSI interface {
	Frame
	Matrix() Matrix
	Tones() int
	Status() Status
}

// Matrix holds complex gains indexed [rx][tx][subcarrier].
type Matrix [][][]complex128

// NewMatrix allocates an rx×tx×tones matrix.
func NewMatrix(rx, tx, tones int) Matrix {
	m := make(Matrix, rx)
	for r := range m {
		m[r] = make([][]complex128, tx)
		for t := range m[r] {
			m[r][t] = make([]complex128, tones)
		}
	}
	return m
}

// Has reports whether the (rx, tx) antenna pair exists.
func (m Matrix) Has(rx, tx int) bool {
	return rx >= 0 && rx < len(m) && tx >= 0 && tx < len(m[rx])
}

// Phase returns the argument of c mapped to [0, 2π).
func Phase(c complex128) float64 {
	p := cmplx.Phase(c)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p
}

// Status is the vendor status block reported alongside a CSI matrix.
// RSSI is in dBm; vendors that report SNR are converted on decode.
type Status struct {
	ServerTimestamp uint64
	Channel         uint16
	Bandwidth       uint8 // 0: 20 MHz, 1: 40 MHz
	Rate            uint8
	Rx              int
	Tx              int
	NumTones        int
	Noise           int8
	PhyErr          uint8
	RSSI            int
	ChainRSSI       [3]int
	PayloadLen      uint16
	CSILen          uint16
	BufLen          uint16
}

// CSIFrame is the concrete CSI variant returned by every CSI decoder.
type CSIFrame struct {
	Received time.Time
	ID       int32
	Source   string // sender hardware address when the vendor layout carries one
	M        Matrix
	St       Status
}

func (f *CSIFrame) Kind() Kind           { return KindCSI }
func (f *CSIFrame) Timestamp() time.Time { return f.Received }
func (f *CSIFrame) MessageID() int32     { return f.ID }
func (f *CSIFrame) Matrix() Matrix       { return f.M }
func (f *CSIFrame) Tones() int           { return f.St.NumTones }
func (f *CSIFrame) Status() Status       { return f.St }

// AccelerationFrame is an accelerometer sample from an acceleration server.
type AccelerationFrame struct {
	Received        time.Time
	ID              int32
	ServerTimestamp int64
	Values          [3]float32
}

func (f *AccelerationFrame) Kind() Kind           { return KindAcceleration }
func (f *AccelerationFrame) Timestamp() time.Time { return f.Received }
func (f *AccelerationFrame) MessageID() int32     { return f.ID }

// Calibrated subtracts the per-axis offsets a station reports when it
// confirms a subscription.
func (f *AccelerationFrame) Calibrated(offset [3]float32) [3]float32 {
	return [3]float32{
		f.Values[0] - offset[0],
		f.Values[1] - offset[1],
		f.Values[2] - offset[2],
	}
}
