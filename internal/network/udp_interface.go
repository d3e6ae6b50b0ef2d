package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the demultiplexer uses. Tests
// substitute MockUDPSocket.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory opens sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP. The
// returned *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// ListenUDP opens a UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket is one datagram queued on a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockWrite records a WriteToUDP call.
type MockWrite struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket implements UDPSocket for testing. Packets may be queued with
// Deliver while a reader is running. Once the queue is drained ReadFromUDP
// reports a timeout, as a real socket does when its deadline passes.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        []MockUDPPacket
	readIndex      int
	writes         []MockWrite
	closed         bool
	readBufferSize int
	readError      error
	writeError     error
	localAddress   *net.UDPAddr

	// OnWrite, if set, is called after every successful write.
	OnWrite func(MockWrite)
}

// NewMockUDPSocket returns a socket that yields packets in order.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets:      packets,
		localAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ClientPort},
	}
}

// Deliver queues a datagram from addr.
func (m *MockUDPSocket) Deliver(data []byte, addr *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, MockUDPPacket{Data: append([]byte(nil), data...), Addr: addr})
}

// SetReadError makes the next read fail with err.
func (m *MockUDPSocket) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// SetWriteError makes every write fail with err until cleared with nil.
func (m *MockUDPSocket) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.readError != nil {
		err := m.readError
		m.readError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.readIndex >= len(m.packets) {
		m.mu.Unlock()
		// Yield so polling loops do not spin.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.packets[m.readIndex]
	m.readIndex++
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

// WriteToUDP records the datagram.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	if m.writeError != nil {
		err := m.writeError
		m.mu.Unlock()
		return 0, err
	}
	w := MockWrite{Data: append([]byte(nil), b...), Addr: addr}
	m.writes = append(m.writes, w)
	hook := m.OnWrite
	m.mu.Unlock()
	if hook != nil {
		hook(w)
	}
	return len(b), nil
}

// Writes returns a copy of everything written so far.
func (m *MockUDPSocket) Writes() []MockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockWrite(nil), m.writes...)
}

// Pending returns the number of queued packets not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets) - m.readIndex
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the last value passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// SetReadDeadline is a no-op.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.localAddress }

// MockUDPSocketFactory hands out a fixed socket.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error
	Calls  []*net.UDPAddr
}

// ListenUDP returns the configured socket or error.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Calls = append(f.Calls, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
