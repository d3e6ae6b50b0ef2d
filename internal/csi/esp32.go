package csi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ESP32BaudRate is the serial rate of the ESP32 CSI firmware.
const ESP32BaudRate = 921600

const (
	esp32Tones = 64 // LLTF subcarriers
	esp32Scale = 20
)

// ErrNotCSILine is returned for serial output that is not a CSI record, such
// as firmware boot messages.
var ErrNotCSILine = errors.New("csi: not a CSI line")

var esp32LinePattern = regexp.MustCompile(
	`^<CSI>` +
		`<addr>([0-9a-f]{2}(?::[0-9a-f]{2}){5})</addr>` +
		`<len>(\d+)</len>` +
		`<inv>([01])</inv>` +
		`<rssi>(-?\d+)</rssi>` +
		`<mcs>(\d+)</mcs>` +
		`<cwb>([01])</cwb>` +
		`<stbc>([01])</stbc>` +
		`<sgi>([01])</sgi>` +
		`<chl>(\d+)</chl>` +
		`<sec_chl>([012])</sec_chl>` +
		`<t>(\d+)</t>` +
		`<ant>([01])</ant>` +
		`((?:[0-9a-f]?[0-9a-f]\s)+)` +
		`</CSI>$`)

// ParseESP32Line decodes one serial line of the ESP32 CSI firmware. Only the
// legacy long training field is kept; it yields a single rx/tx pair with 64
// subcarriers stored imaginary part first.
func ParseESP32Line(line string, id int32, received time.Time) (*CSIFrame, error) {
	m := esp32LinePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, ErrNotCSILine
	}

	rssi, _ := strconv.Atoi(m[4])
	mcs, _ := strconv.Atoi(m[5])
	channel, err := strconv.ParseUint(m[9], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("esp32 channel %q: %w", m[9], err)
	}
	ts, err := strconv.ParseUint(m[11], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("esp32 timestamp %q: %w", m[11], err)
	}
	ant, _ := strconv.Atoi(m[12])

	fields := strings.Fields(m[13])
	if len(fields) < 2*esp32Tones {
		return nil, fmt.Errorf("esp32 csi: %d of %d bytes: %w", len(fields), 2*esp32Tones, ErrShortBuffer)
	}
	data := make([]int8, 2*esp32Tones)
	for i := range data {
		v, err := strconv.ParseUint(fields[i], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("esp32 csi byte %d %q: %w", i, fields[i], err)
		}
		data[i] = int8(v)
	}

	f := &CSIFrame{
		Received: received,
		ID:       id,
		Source:   m[1],
		M:        NewMatrix(1, 1, esp32Tones),
	}
	for s := 0; s < esp32Tones; s++ {
		f.M[0][0][s] = complex(float64(data[2*s+1])*esp32Scale, float64(data[2*s])*esp32Scale)
	}
	f.St = Status{
		ServerTimestamp: ts,
		Channel:         uint16(channel),
		Bandwidth:       m[6][0] - '0',
		Rate:            uint8(mcs),
		Rx:              1,
		Tx:              1,
		NumTones:        esp32Tones,
		RSSI:            rssi,
	}
	f.St.ChainRSSI[ant] = rssi
	if n, err := strconv.Atoi(m[2]); err == nil {
		f.St.CSILen = uint16(n)
	}
	return f, nil
}

// NewESP32Decoder returns a Decoder over serial lines that numbers frames in
// arrival order.
func NewESP32Decoder() Decoder {
	var seq atomic.Int32
	return func(b []byte, received time.Time) (Frame, error) {
		f, err := ParseESP32Line(string(b), seq.Load(), received)
		if err != nil {
			return nil, err
		}
		seq.Add(1)
		return f, nil
	}
}
