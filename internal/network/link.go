package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

// State is the subscription state of a link.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateConfirmed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOut:
		return "timed out"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// LinkStatus is published on every state change.
type LinkStatus struct {
	State State
	// Attempt is the SUBSCRIBE attempt in progress, 1-based.
	Attempt int
	// Session identifies one Subscribe call.
	Session string
	// Calibration is set when the confirmation carried one.
	Calibration *[3]float32
	Changed     time.Time
}

// Link is a subscription to one station, over UDP or a serial port.
type Link interface {
	Station() *station.Station
	State() State
	Status() *station.Subject[LinkStatus]
	Subscribe(ctx context.Context)
	Unsubscribe()
	Wait()
}

// LinkConfig controls the subscribe retry loop.
type LinkConfig struct {
	Attempts      int
	Interval      time.Duration
	PayloadFilter int32
	// ServerPort is used when a station address has no port.
	ServerPort int
	Clock      timeutil.Clock
}

// DefaultLinkConfig returns 10 attempts at 5 second intervals.
func DefaultLinkConfig() LinkConfig {
	return LinkConfigFromTuning(config.EmptyTuningConfig())
}

// LinkConfigFromTuning reads the retry budget from a tuning config.
func LinkConfigFromTuning(t *config.TuningConfig) LinkConfig {
	return LinkConfig{
		Attempts:      t.GetSubscribeAttempts(),
		Interval:      t.GetSubscribeInterval(),
		PayloadFilter: int32(t.GetSubscribePayloadFilter()),
		ServerPort:    ServerPort,
		Clock:         timeutil.RealClock{},
	}
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.ServerPort == 0 {
		c.ServerPort = ServerPort
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Sender writes datagrams to a station. The demultiplexer's socket
// implements it.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

type confirmation struct {
	cal [3]float32
	ok  bool
}

// StationLink is the UDP subscription session for one station.
type StationLink struct {
	st     *station.Station
	addr   *net.UDPAddr
	cfg    LinkConfig
	sender Sender
	decode csi.Decoder
	status *station.Subject[LinkStatus]

	// sessionMu serialises Subscribe and Unsubscribe so at most one retry
	// loop exists.
	sessionMu sync.Mutex

	mu      sync.Mutex
	confirm chan confirmation
	cancel  context.CancelFunc
	done    chan struct{}
}

// ResolveStationAddr parses "host" or "host:port", defaulting the port.
func ResolveStationAddr(address string, defaultPort int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(defaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve station address %q: %w", address, err)
	}
	return addr, nil
}

// NewStationLink creates an unsubscribed link. The station's data type must
// name a known decoder.
func NewStationLink(st *station.Station, sender Sender, cfg LinkConfig) (*StationLink, error) {
	cfg = cfg.withDefaults()
	decode, err := csi.DecoderFor(st.DataType)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", st, err)
	}
	addr, err := ResolveStationAddr(st.Address, cfg.ServerPort)
	if err != nil {
		return nil, err
	}
	return &StationLink{
		st:     st,
		addr:   addr,
		cfg:    cfg,
		sender: sender,
		decode: decode,
		status: station.NewSubject(LinkStatus{State: StateUnsubscribed, Changed: cfg.Clock.Now()}),
	}, nil
}

// Station returns the linked station.
func (l *StationLink) Station() *station.Station { return l.st }

// Addr returns the station's resolved UDP address.
func (l *StationLink) Addr() *net.UDPAddr { return l.addr }

// Status returns the subject carrying state changes.
func (l *StationLink) Status() *station.Subject[LinkStatus] { return l.status }

// State returns the current subscription state.
func (l *StationLink) State() State { return l.status.Get().State }

// Calibration returns the calibration vector of the last confirmation.
func (l *StationLink) Calibration() (cal [3]float32, ok bool) {
	if c := l.status.Get().Calibration; c != nil {
		return *c, true
	}
	return cal, false
}

func (l *StationLink) publish(s LinkStatus) {
	s.Changed = l.cfg.Clock.Now()
	l.status.Set(s)
}

// stop cancels a running retry loop and waits for it to exit.
func (l *StationLink) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done, l.confirm = nil, nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Subscribe starts the retry loop, replacing any loop already running. It
// returns immediately; progress is published on Status.
func (l *StationLink) Subscribe(ctx context.Context) {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	l.stop()

	ctx, cancel := context.WithCancel(ctx)
	confirm := make(chan confirmation, 1)
	done := make(chan struct{})
	session := uuid.NewString()

	l.mu.Lock()
	l.cancel, l.done, l.confirm = cancel, done, confirm
	l.mu.Unlock()

	go l.run(ctx, session, confirm, done)
}

func (l *StationLink) run(ctx context.Context, session string, confirm <-chan confirmation, done chan struct{}) {
	defer close(done)
	msg := EncodeSubscribe(l.cfg.PayloadFilter)

	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		l.publish(LinkStatus{State: StateSubscribing, Attempt: attempt, Session: session})
		monitoring.Infof("Subscribing to %s, session %s, attempt %d/%d", l.st, session, attempt, l.cfg.Attempts)
		if _, err := l.sender.WriteToUDP(msg, l.addr); err != nil {
			monitoring.Warnf("Failed to send subscribe to %s: %v", l.st, err)
		}

		select {
		case c := <-confirm:
			s := LinkStatus{State: StateConfirmed, Attempt: attempt, Session: session}
			if c.ok {
				cal := c.cal
				s.Calibration = &cal
			}
			l.publish(s)
			monitoring.Infof("Subscription to %s confirmed", l.st)
			return
		case <-l.cfg.Clock.After(l.cfg.Interval):
		case <-ctx.Done():
			return
		}
	}

	l.publish(LinkStatus{State: StateTimedOut, Attempt: l.cfg.Attempts, Session: session})
	monitoring.Warnf("Subscription for %s timed out", l.st)
}

// handleConfirm passes a confirmation to the running retry loop. It is
// dropped when no loop is waiting.
func (l *StationLink) handleConfirm(payload []byte) {
	l.mu.Lock()
	ch := l.confirm
	l.mu.Unlock()
	if ch == nil {
		return
	}
	cal, ok := ParseCalibration(payload)
	select {
	case ch <- confirmation{cal: cal, ok: ok}:
	default:
	}
}

// Unsubscribe stops the retry loop, moves to Unsubscribed and sends a single
// UNSUBSCRIBE. Delivery is not confirmed.
func (l *StationLink) Unsubscribe() {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()
	l.stop()
	l.publish(LinkStatus{State: StateUnsubscribed})
	if _, err := l.sender.WriteToUDP(EncodeUnsubscribe(), l.addr); err != nil {
		monitoring.Warnf("Failed to send unsubscribe to %s: %v", l.st, err)
	}
}

// Wait blocks until the current retry loop, if any, has exited.
func (l *StationLink) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// decodeData turns a DATA payload into a frame.
func (l *StationLink) decodeData(t MessageType, payload []byte, received time.Time) (csi.Frame, error) {
	switch t {
	case TypeCSI:
		return l.decode(payload, received)
	case TypeAcceleration:
		return csi.DecodeAcceleration(payload, received)
	}
	return nil, fmt.Errorf("%w: %s is not a data message", ErrUnknownMessageType, t)
}

// deliver hands f to the consumers registered for its station and kind.
func deliver(reg *Registry, disp *Dispatcher, stats PacketStatsInterface, hw string, f csi.Frame) {
	consumers := reg.Consumers(hw, f.Kind())
	if len(consumers) == 0 {
		return
	}
	stats.AddFrame()
	disp.Submit(hw, func() {
		for _, c := range consumers {
			c(f)
		}
	})
}
