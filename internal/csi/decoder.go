package csi

import (
	"fmt"
	"strings"
	"time"
)

// Station data types understood by DecoderFor.
const (
	DataTypeAtheros      = "atheros"
	DataTypeAcceleration = "acceleration"
	DataTypeESP32        = "esp32"
)

// Decoder turns a message body into a typed frame stamped with the time it
// was received.
type Decoder func(b []byte, received time.Time) (Frame, error)

// DecoderFor returns the decoder for a station's declared data type. Each call
// returns an independent decoder so stateful decoders are not shared between
// stations.
func DecoderFor(dataType string) (Decoder, error) {
	switch strings.ToLower(dataType) {
	case DataTypeAtheros:
		return DecodeAtheros, nil
	case DataTypeAcceleration:
		return DecodeAcceleration, nil
	case DataTypeESP32:
		return NewESP32Decoder(), nil
	}
	return nil, fmt.Errorf("%q: %w", dataType, ErrUnknownDataType)
}

// IsSerial reports whether stations of this data type are attached over a
// serial port rather than the datagram protocol.
func IsSerial(dataType string) bool {
	return strings.EqualFold(dataType, DataTypeESP32)
}
