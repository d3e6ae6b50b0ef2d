package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

// DemuxConfig configures a Demultiplexer.
type DemuxConfig struct {
	// Address to listen on, e.g. ":9381".
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         PacketStatsInterface
	Registry      *Registry
	Dispatcher    *Dispatcher
	SocketFactory UDPSocketFactory
	Clock         timeutil.Clock
}

// Demultiplexer owns the client UDP socket. Its receive loop routes each
// datagram to the links registered for the sender's address and hands
// decoded frames to the dispatch pool, so a slow consumer never holds up
// the loop.
type Demultiplexer struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       PacketStatsInterface
	registry    *Registry
	dispatcher  *Dispatcher
	factory     UDPSocketFactory
	clock       timeutil.Clock

	mu   sync.Mutex
	conn UDPSocket
}

// NewDemultiplexer applies defaults to cfg. Registry and Dispatcher are
// required.
func NewDemultiplexer(cfg DemuxConfig) *Demultiplexer {
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	address := cfg.Address
	if address == "" {
		address = ":" + strconv.Itoa(ClientPort)
	}
	return &Demultiplexer{
		address:     address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		registry:    cfg.Registry,
		dispatcher:  cfg.Dispatcher,
		factory:     factory,
		clock:       clock,
	}
}

// Listen opens the socket. It is called by Run when needed, and may be
// called earlier so links can send before the loop starts.
func (d *Demultiplexer) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", d.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := d.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if d.rcvBuf > 0 {
		if err := conn.SetReadBuffer(d.rcvBuf); err != nil {
			monitoring.Warnf("Failed to set UDP receive buffer size to %d: %v", d.rcvBuf, err)
		}
	}
	d.conn = conn
	monitoring.Infof("CSI listener started on %s", conn.LocalAddr())
	return nil
}

func (d *Demultiplexer) socket() UDPSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// WriteToUDP sends through the shared socket, making the demultiplexer the
// Sender for every StationLink.
func (d *Demultiplexer) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	conn := d.socket()
	if conn == nil {
		return 0, errors.New("network: listener not started")
	}
	return conn.WriteToUDP(b, addr)
}

// Run receives until ctx is cancelled. Per-packet faults are logged and
// never end the loop. The socket stays open after Run returns so links can
// still send UNSUBSCRIBE; the caller closes it with Close.
func (d *Demultiplexer) Run(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	conn := d.socket()

	go d.startStatsLogging(ctx)

	buffer := make([]byte, MaxMessageLen)
	for {
		select {
		case <-ctx.Done():
			monitoring.Infof("CSI listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// Poll so cancellation is noticed without traffic.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Warnf("UDP read error: %v", err)
			continue
		}
		d.HandleDatagram(buffer[:n], addr, d.clock.Now())
	}
}

func (d *Demultiplexer) startStatsLogging(ctx context.Context) {
	ticker := d.clock.NewTicker(d.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.stats.LogStats()
		}
	}
}

// HandleDatagram routes one datagram. b may be reused by the caller after
// it returns.
func (d *Demultiplexer) HandleDatagram(b []byte, from *net.UDPAddr, received time.Time) {
	d.stats.AddPacket(len(b))

	links := d.registry.Lookup(from.IP)
	if len(links) == 0 {
		d.stats.AddDropped()
		monitoring.Debugf("Dropping datagram from unknown station %s", from)
		return
	}

	msg, err := ParseMessage(b)
	if err != nil {
		d.stats.AddDropped()
		monitoring.Warnf("Dropping datagram from %s: %v", from, err)
		return
	}

	for _, l := range links {
		switch msg.Type {
		case TypeConfirmSubscribe:
			l.handleConfirm(msg.Payload)
		case TypeConfirmUnsub:
			monitoring.Debugf("Station %s confirmed unsubscribe", l.st)
		case TypeCSI, TypeAcceleration:
			f, err := l.decodeData(msg.Type, msg.Payload, received)
			if err != nil {
				d.stats.AddDecodeError()
				monitoring.Warnf("Failed to decode %s from %s: %v", msg.Type, l.st, err)
				continue
			}
			deliver(d.registry, d.dispatcher, d.stats, l.st.HWAddress, f)
		default:
			d.stats.AddDropped()
			monitoring.Warnf("Unexpected %s from station %s", msg.Type, l.st)
		}
	}
}

// Close closes the socket.
func (d *Demultiplexer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
