// Package network implements the station subscription protocol: per-station
// links that subscribe and unsubscribe, and a single demultiplexer that owns
// the UDP endpoint and routes inbound datagrams to the right station.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Default ports. Stations listen on ServerPort and send to ClientPort.
const (
	ServerPort = 9380
	ClientPort = 9381

	// MaxMessageLen is the largest UDP payload over IPv4.
	MaxMessageLen = 65507

	// ICMPPayloadFilter restricts a station to frames from ICMP echo traffic.
	ICMPPayloadFilter int32 = 124
)

// MessageType is the one byte tag that starts every datagram.
type MessageType uint8

const (
	TypeSubscribe        MessageType = 10
	TypeUnsubscribe      MessageType = 11
	TypeConfirmSubscribe MessageType = 12
	TypeConfirmUnsub     MessageType = 13
	TypeCSI              MessageType = 14
	TypeAcceleration     MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeConfirmSubscribe:
		return "CONFIRM_SUBSCRIPTION"
	case TypeConfirmUnsub:
		return "CONFIRM_UNSUBSCRIPTION"
	case TypeCSI:
		return "CSI_INFO"
	case TypeAcceleration:
		return "ACCELERATION_INFO"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

func (t MessageType) known() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeConfirmSubscribe, TypeConfirmUnsub, TypeCSI, TypeAcceleration:
		return true
	}
	return false
}

var (
	ErrEmptyMessage       = errors.New("network: empty message")
	ErrUnknownMessageType = errors.New("network: unknown message type")
	ErrShortPayload       = errors.New("network: payload too short")
)

// Message is a parsed datagram. Payload aliases the input buffer.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ParseMessage splits a datagram into its tag and payload.
func ParseMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmptyMessage
	}
	t := MessageType(b[0])
	if !t.known() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, b[0])
	}
	return Message{Type: t, Payload: b[1:]}, nil
}

// EncodeSubscribe builds a SUBSCRIBE datagram. Stations only forward frames
// whose payload length equals filter; 0 disables filtering.
func EncodeSubscribe(filter int32) []byte {
	b := make([]byte, 5)
	b[0] = byte(TypeSubscribe)
	binary.BigEndian.PutUint32(b[1:], uint32(filter))
	return b
}

// EncodeUnsubscribe builds an UNSUBSCRIBE datagram.
func EncodeUnsubscribe() []byte {
	return []byte{byte(TypeUnsubscribe)}
}

// EncodeConfirmSubscribe builds the station's reply. cal may be nil.
func EncodeConfirmSubscribe(cal *[3]float32) []byte {
	if cal == nil {
		return []byte{byte(TypeConfirmSubscribe)}
	}
	b := make([]byte, 13)
	b[0] = byte(TypeConfirmSubscribe)
	for i, v := range cal {
		binary.BigEndian.PutUint32(b[1+4*i:], math.Float32bits(v))
	}
	return b
}

// ParseSubscribeFilter reads the filter from a SUBSCRIBE payload.
func ParseSubscribeFilter(payload []byte) (int32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: subscribe filter needs 4 bytes, got %d", ErrShortPayload, len(payload))
	}
	return int32(binary.BigEndian.Uint32(payload)), nil
}

// ParseCalibration reads the optional calibration vector from a
// CONFIRM_SUBSCRIPTION payload. ok is false when none is present.
func ParseCalibration(payload []byte) (cal [3]float32, ok bool) {
	if len(payload) < 12 {
		return cal, false
	}
	for i := range cal {
		cal[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[4*i:]))
	}
	return cal, true
}
