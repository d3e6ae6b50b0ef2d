package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

var (
	addrA = &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: ServerPort}
	addrB = &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: ServerPort}
)

type collector struct {
	mu     sync.Mutex
	frames []csi.Frame
}

func (c *collector) consume(f csi.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) ids() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int32, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.MessageID()
	}
	return out
}

func csiDatagram(id int32) []byte {
	f := &csi.CSIFrame{
		ID: id,
		M:  csi.NewMatrix(2, 1, 56),
		St: csi.Status{Rx: 2, Tx: 1, NumTones: 56},
	}
	return append([]byte{byte(TypeCSI)}, csi.EncodeAtheros(f)...)
}

func accelDatagram(id int32) []byte {
	f := &csi.AccelerationFrame{ID: id, Values: [3]float32{0, 0, 9.81}}
	return append([]byte{byte(TypeAcceleration)}, csi.EncodeAcceleration(f)...)
}

type demuxFixture struct {
	reg   *Registry
	disp  *Dispatcher
	stats *PacketStats
	sock  *MockUDPSocket
	demux *Demultiplexer
	linkA *StationLink
	linkB *StationLink
	clock *timeutil.MockClock
}

func newDemuxFixture(t *testing.T, workers, queue int) *demuxFixture {
	t.Helper()
	fx := &demuxFixture{
		reg:   NewRegistry(),
		stats: NewPacketStats(),
		sock:  NewMockUDPSocket(),
		clock: timeutil.NewMockClock(time.Unix(1_700_000_000, 0)),
	}
	fx.disp = NewDispatcher(workers, queue, fx.stats)
	fx.demux = NewDemultiplexer(DemuxConfig{
		Address:       "127.0.0.1:0",
		Registry:      fx.reg,
		Dispatcher:    fx.disp,
		Stats:         fx.stats,
		SocketFactory: &MockUDPSocketFactory{Socket: fx.sock},
		Clock:         fx.clock,
	})
	require.NoError(t, fx.demux.Listen())

	cfg := LinkConfig{Attempts: 2, Interval: interval, Clock: fx.clock}
	var err error
	fx.linkA, err = NewStationLink(newTestStation("aa:bb:cc:dd:ee:01", "10.0.0.5", csi.DataTypeAtheros), fx.demux, cfg)
	require.NoError(t, err)
	fx.linkB, err = NewStationLink(newTestStation("aa:bb:cc:dd:ee:02", "10.0.0.6", csi.DataTypeAtheros), fx.demux, cfg)
	require.NoError(t, err)
	require.NoError(t, fx.reg.Add(fx.linkA))
	require.NoError(t, fx.reg.Add(fx.linkB))
	return fx
}

func TestDemux_RoutesDataBySourceAndKind(t *testing.T) {
	fx := newDemuxFixture(t, 2, 16)
	csiA, accelA, csiB := &collector{}, &collector{}, &collector{}
	fx.reg.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindCSI, csiA.consume)
	fx.reg.AddConsumer("AA:BB:CC:DD:EE:01", csi.KindAcceleration, accelA.consume)
	fx.reg.AddConsumer("aa:bb:cc:dd:ee:02", csi.KindCSI, csiB.consume)

	now := fx.clock.Now()
	fx.demux.HandleDatagram(csiDatagram(1), addrA, now)
	fx.demux.HandleDatagram(accelDatagram(2), addrA, now)
	fx.demux.HandleDatagram(csiDatagram(3), addrA, now)
	fx.demux.HandleDatagram(csiDatagram(4), addrB, now)
	fx.disp.Close()

	assert.Equal(t, []int32{1, 3}, csiA.ids())
	assert.Equal(t, []int32{2}, accelA.ids())
	assert.Equal(t, []int32{4}, csiB.ids())

	csiA.mu.Lock()
	assert.Equal(t, now, csiA.frames[0].Timestamp())
	csiA.mu.Unlock()

	s := fx.stats.GetAndReset()
	assert.Equal(t, int64(4), s.Packets)
	assert.Equal(t, int64(4), s.Frames)
	assert.Equal(t, int64(0), s.Dropped)
}

func TestDemux_DropsBadDatagrams(t *testing.T) {
	fx := newDemuxFixture(t, 1, 16)
	got := &collector{}
	fx.reg.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindCSI, got.consume)
	now := fx.clock.Now()

	stranger := &net.UDPAddr{IP: net.ParseIP("10.9.9.9"), Port: ServerPort}
	fx.demux.HandleDatagram(csiDatagram(1), stranger, now)
	fx.demux.HandleDatagram(nil, addrA, now)
	fx.demux.HandleDatagram([]byte{42, 0, 0}, addrA, now)
	fx.demux.HandleDatagram(EncodeSubscribe(0), addrA, now)
	fx.demux.HandleDatagram([]byte{byte(TypeCSI), 1, 2, 3}, addrA, now)
	fx.demux.HandleDatagram(csiDatagram(9), addrA, now)
	fx.disp.Close()

	// Only the valid frame survives and the session is untouched.
	assert.Equal(t, []int32{9}, got.ids())
	assert.Equal(t, StateUnsubscribed, fx.linkA.State())

	s := fx.stats.GetAndReset()
	assert.Equal(t, int64(6), s.Packets)
	assert.Equal(t, int64(4), s.Dropped)
	assert.Equal(t, int64(1), s.DecodeErrors)
}

func TestDemux_ConfirmRoutesToLink(t *testing.T) {
	fx := newDemuxFixture(t, 1, 16)
	fx.linkA.Subscribe(context.Background())
	awaitAttempt(t, fx.linkA, fx.clock, 1)

	cal := [3]float32{0.1, 0.2, 0.3}
	fx.demux.HandleDatagram(EncodeConfirmSubscribe(&cal), addrA, fx.clock.Now())
	fx.linkA.Wait()

	assert.Equal(t, StateConfirmed, fx.linkA.State())
	assert.Equal(t, StateUnsubscribed, fx.linkB.State())
	got, ok := fx.linkA.Calibration()
	require.True(t, ok)
	assert.Equal(t, cal, got)

	// The subscribe went out through the demultiplexer's socket.
	writes := fx.sock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, addrA.String(), writes[0].Addr.String())
	fx.disp.Close()
}

func TestDemux_SlowConsumerDoesNotBlock(t *testing.T) {
	fx := newDemuxFixture(t, 1, 2)
	release := make(chan struct{})
	fx.reg.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindCSI, func(csi.Frame) { <-release })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int32(0); i < 20; i++ {
			fx.demux.HandleDatagram(csiDatagram(i), addrA, fx.clock.Now())
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleDatagram blocked on a slow consumer")
	}
	assert.GreaterOrEqual(t, fx.disp.Dropped(), int64(17))

	close(release)
	fx.disp.Close()
}

func TestDemux_RunDeliversAndStops(t *testing.T) {
	fx := newDemuxFixture(t, 1, 16)
	got := &collector{}
	fx.reg.AddConsumer("aa:bb:cc:dd:ee:02", csi.KindCSI, got.consume)
	fx.sock.Deliver(csiDatagram(5), addrB)
	fx.sock.Deliver(csiDatagram(6), addrB)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fx.demux.Run(ctx) }()

	waitFor(t, func() bool { return len(got.ids()) == 2 }, "frames not delivered")
	fx.sock.SetReadError(errors.New("transient"))
	fx.sock.Deliver(csiDatagram(7), addrB)
	waitFor(t, func() bool { return len(got.ids()) == 3 }, "loop did not survive a read error")

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, []int32{5, 6, 7}, got.ids())

	// Links can still say goodbye after the loop stops.
	require.False(t, fx.sock.Closed())
	fx.linkA.Unsubscribe()
	writes := fx.sock.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, EncodeUnsubscribe(), writes[len(writes)-1].Data)

	require.NoError(t, fx.demux.Close())
	assert.True(t, fx.sock.Closed())
	fx.disp.Close()
}

func TestDemux_ListenError(t *testing.T) {
	d := NewDemultiplexer(DemuxConfig{
		Address:       "127.0.0.1:0",
		Registry:      NewRegistry(),
		SocketFactory: &MockUDPSocketFactory{Error: errors.New("address in use")},
	})
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")

	_, err = d.WriteToUDP([]byte{1}, addrA)
	assert.Error(t, err)
}

func TestNewDemultiplexer_Defaults(t *testing.T) {
	d := NewDemultiplexer(DemuxConfig{})
	assert.Equal(t, ":9381", d.address)
	assert.Equal(t, time.Minute, d.logInterval)
	assert.IsType(t, noopStats{}, d.stats)
}
