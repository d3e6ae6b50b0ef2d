package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

// SerialPorter is the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialOpener opens the serial device at path.
type SerialOpener func(path string, baudRate int) (SerialPorter, error)

// OpenSerialPort opens a real port at 8N1.
func OpenSerialPort(path string, baudRate int) (SerialPorter, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialLinkConfig configures a SerialLink.
type SerialLinkConfig struct {
	BaudRate   int
	Open       SerialOpener
	Registry   *Registry
	Dispatcher *Dispatcher
	Stats      PacketStatsInterface
	Clock      timeutil.Clock
	// Attempts bounds consecutive opens after the port is lost; a port that
	// delivers a line resets the count. Zero means one.
	Attempts   int
	Interval   time.Duration
}

// SerialLink reads CSI lines from a station attached to a serial port. The
// station's Address is the device path. Subscribing opens the port; there
// is no handshake, so an open port counts as confirmed. A lost port is
// reopened every Interval until Attempts consecutive opens have failed.
type SerialLink struct {
	st     *station.Station
	cfg    SerialLinkConfig
	decode csi.Decoder
	status *station.Subject[LinkStatus]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSerialLink creates an unsubscribed serial link.
func NewSerialLink(st *station.Station, cfg SerialLinkConfig) (*SerialLink, error) {
	decode, err := csi.DecoderFor(st.DataType)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", st, err)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = csi.ESP32BaudRate
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &SerialLink{
		st:     st,
		cfg:    cfg,
		decode: decode,
		status: station.NewSubject(LinkStatus{State: StateUnsubscribed, Changed: cfg.Clock.Now()}),
	}, nil
}

func (l *SerialLink) Station() *station.Station             { return l.st }
func (l *SerialLink) Status() *station.Subject[LinkStatus] { return l.status }
func (l *SerialLink) State() State                         { return l.status.Get().State }

func (l *SerialLink) publish(s LinkStatus) {
	s.Changed = l.cfg.Clock.Now()
	l.status.Set(s)
}

func (l *SerialLink) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Subscribe opens the port and starts reading. A port that cannot be opened
// leaves the link TimedOut.
func (l *SerialLink) Subscribe(ctx context.Context) {
	l.stop()

	l.publish(LinkStatus{State: StateSubscribing, Attempt: 1})
	port, err := l.cfg.Open(l.st.Address, l.cfg.BaudRate)
	if err != nil {
		l.publish(LinkStatus{State: StateTimedOut, Attempt: 1})
		monitoring.Warnf("Subscription for %s timed out: %v", l.st, err)
		return
	}
	l.publish(LinkStatus{State: StateConfirmed, Attempt: 1})
	monitoring.Infof("Reading %s from serial port %s", l.st, l.st.Address)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	go l.run(ctx, port, done)
}

func (l *SerialLink) run(ctx context.Context, port SerialPorter, done chan struct{}) {
	defer close(done)

	attempt := 1
	for {
		if port != nil {
			if l.read(ctx, port) {
				attempt = 0
			}
			if ctx.Err() != nil {
				return
			}
			port = nil
		}
		if attempt >= l.cfg.Attempts {
			l.publish(LinkStatus{State: StateTimedOut, Attempt: attempt})
			return
		}
		attempt++
		l.publish(LinkStatus{State: StateSubscribing, Attempt: attempt})
		select {
		case <-ctx.Done():
			return
		case <-l.cfg.Clock.After(l.cfg.Interval):
		}
		p, err := l.cfg.Open(l.st.Address, l.cfg.BaudRate)
		if err != nil {
			monitoring.Warnf("Failed to reopen serial port for %s (attempt %d): %v", l.st, attempt, err)
			continue
		}
		port = p
		l.publish(LinkStatus{State: StateConfirmed, Attempt: attempt})
		monitoring.Infof("Reopened serial port %s for %s", l.st.Address, l.st)
	}
}

// read consumes lines until the port fails or ctx ends, then closes the
// port. It reports whether any line arrived.
func (l *SerialLink) read(ctx context.Context, port SerialPorter) bool {
	// Closing the port unblocks the scanner on cancellation.
	stopped := make(chan struct{})
	defer func() {
		close(stopped)
		port.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-stopped:
		}
	}()

	got := false
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		got = true
		line := scan.Bytes()
		l.cfg.Stats.AddPacket(len(line))
		f, err := l.decode(line, l.cfg.Clock.Now())
		if err != nil {
			if errors.Is(err, csi.ErrNotCSILine) {
				continue
			}
			l.cfg.Stats.AddDecodeError()
			monitoring.Warnf("Failed to decode line from %s: %v", l.st, err)
			continue
		}
		deliver(l.cfg.Registry, l.cfg.Dispatcher, l.cfg.Stats, l.st.HWAddress, f)
	}
	if ctx.Err() != nil {
		return got
	}
	if err := scan.Err(); err != nil {
		monitoring.Warnf("Serial port for %s failed: %v", l.st, err)
	} else {
		monitoring.Warnf("Serial port for %s closed", l.st)
	}
	return got
}

// Unsubscribe stops reading and closes the port.
func (l *SerialLink) Unsubscribe() {
	l.stop()
	l.publish(LinkStatus{State: StateUnsubscribed})
}

// Wait blocks until the reader has exited.
func (l *SerialLink) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// MockSerialPort implements SerialPorter for testing. Reads drain ReadData
// and then report io.EOF.
type MockSerialPort struct {
	mu          sync.Mutex
	ReadData    []byte
	WrittenData []byte
	ReadError   error
	Closed      bool
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return 0, m.ReadError
	}
	if len(m.ReadData) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	return n, nil
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WrittenData = append(m.WrittenData, p...)
	return len(p), nil
}

func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockSerialPort) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}
