package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

const (
	hwA = "aa:bb:cc:dd:ee:01"
	hwB = "aa:bb:cc:dd:ee:02"
	hwC = "aa:bb:cc:dd:ee:03"
)

var (
	recStart = time.Unix(1_600_000_000, 0)
	playT0   = time.Unix(1_700_000_000, 0)
)

func testTopology() *config.Topology {
	return &config.Topology{
		Width:  1300,
		Height: 1150,
		Stations: []config.StationConfig{
			{HWAddress: hwA, Address: "10.0.0.5", DataType: csi.DataTypeAtheros},
			{HWAddress: hwB, Address: "10.0.0.6", DataType: csi.DataTypeAtheros},
			{HWAddress: hwC, Address: "/dev/ttyUSB0", DataType: csi.DataTypeESP32},
		},
	}
}

func seq(start time.Time, n int, step time.Duration, idBase int32) []csi.Frame {
	out := make([]csi.Frame, n)
	for i := range out {
		out[i] = &csi.CSIFrame{Received: start.Add(time.Duration(i) * step), ID: idBase + int32(i)}
	}
	return out
}

type release struct {
	at    time.Time
	group []csi.Frame
}

type groupLog struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	groups map[string][]release
}

func newGroupLog(clock timeutil.Clock) *groupLog {
	return &groupLog{clock: clock, groups: make(map[string][]release)}
}

func (g *groupLog) callback(hw string) Callback {
	return func(group []csi.Frame) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.groups[hw] = append(g.groups[hw], release{at: g.clock.Now(), group: group})
	}
}

func (g *groupLog) sizes(hw string) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int
	for _, r := range g.groups[hw] {
		out = append(out, len(r.group))
	}
	return out
}

func (g *groupLog) ids(hw string) []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int32
	for _, r := range g.groups[hw] {
		for _, f := range r.group {
			out = append(out, f.MessageID())
		}
	}
	return out
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestEngine_ReleasesEveryFrameOnceInGroups(t *testing.T) {
	clock := timeutil.NewAutoAdvanceClock(playT0)
	frames := map[string][]csi.Frame{
		hwA: seq(recStart, 10, 10*time.Millisecond, 0),
		// Interleaved with A and loaded out of order.
		"AA:BB:CC:DD:EE:02": append(seq(recStart.Add(55*time.Millisecond), 4, 15*time.Millisecond, 104),
			seq(recStart.Add(5*time.Millisecond), 3, 15*time.Millisecond, 100)...),
	}
	e := NewEngine(testTopology(), frames, Config{
		GroupThreshold: 3,
		Grace:          500 * time.Millisecond,
		Quantum:        20 * time.Millisecond,
		Clock:          clock,
	})
	log := newGroupLog(clock)
	require.NoError(t, e.AddCallback(hwA, log.callback(hwA)))
	require.NoError(t, e.AddCallback(hwB, log.callback(hwB)))
	require.NoError(t, e.AddCallback(hwC, log.callback(hwC)))

	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, []int{3, 3, 3, 1}, log.sizes(hwA))
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, log.ids(hwA))
	assert.Equal(t, []int{3, 3, 1}, log.sizes(hwB))
	assert.Equal(t, []int32{100, 101, 102, 104, 105, 106, 107}, log.ids(hwB))
	// A station with no frames never releases and never blocks the others.
	assert.Empty(t, log.sizes(hwC))

	p := e.Progress()
	assert.Equal(t, 17, p.Released)
	assert.Equal(t, 17, p.Total)
	assert.Equal(t, recStart, p.Start)
	assert.Equal(t, recStart.Add(100*time.Millisecond), p.End)
	assert.Equal(t, 100*time.Millisecond, p.Runtime)
	assert.NoError(t, e.Err())
}

func TestEngine_ReleaseTiming(t *testing.T) {
	clock := timeutil.NewAutoAdvanceClock(playT0)
	const grace, quantum = 500 * time.Millisecond, 20 * time.Millisecond
	e := NewEngine(nil, map[string][]csi.Frame{
		hwA: seq(recStart, 20, 33*time.Millisecond, 0),
	}, Config{GroupThreshold: 1, Grace: grace, Quantum: quantum, Clock: clock})
	log := newGroupLog(clock)
	require.NoError(t, e.AddCallback(hwA, log.callback(hwA)))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	offset := playT0.Sub(recStart) + grace
	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.groups[hwA], 20)
	for _, r := range log.groups[hwA] {
		due := r.group[0].Timestamp().Add(offset)
		if r.at.Before(due) {
			t.Fatalf("frame %d released %v early", r.group[0].MessageID(), due.Sub(r.at))
		}
		if lag := r.at.Sub(due); lag >= quantum {
			t.Fatalf("frame %d released %v late", r.group[0].MessageID(), lag)
		}
	}
}

func TestEngine_FramesWithoutCallbackAreDiscarded(t *testing.T) {
	clock := timeutil.NewAutoAdvanceClock(playT0)
	e := NewEngine(testTopology(), map[string][]csi.Frame{
		hwA: seq(recStart, 5, 10*time.Millisecond, 0),
		hwB: seq(recStart, 5, 10*time.Millisecond, 10),
	}, Config{GroupThreshold: 2, Clock: clock})
	log := newGroupLog(clock)
	require.NoError(t, e.AddCallback(hwB, log.callback(hwB)))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, []int{2, 2, 1}, log.sizes(hwB))
	assert.Equal(t, 10, e.Progress().Released)
}

func TestEngine_IgnoresStationsOutsideTopology(t *testing.T) {
	e := NewEngine(testTopology(), map[string][]csi.Frame{
		hwA:                 seq(recStart, 2, time.Millisecond, 0),
		"11:22:33:44:55:66": seq(recStart, 3, time.Millisecond, 0),
	}, Config{Clock: timeutil.NewAutoAdvanceClock(playT0)})
	assert.Equal(t, 2, e.Progress().Total)
}

func TestEngine_EmptyCompletesImmediately(t *testing.T) {
	e := NewEngine(testTopology(), nil, Config{Clock: timeutil.NewAutoAdvanceClock(playT0)})
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)
	assert.Equal(t, 0, e.Progress().Total)
}

func TestEngine_Cancel(t *testing.T) {
	e := NewEngine(nil, map[string][]csi.Frame{
		hwA: seq(recStart, 5, time.Second, 0),
	}, Config{Clock: timeutil.NewAutoAdvanceClock(playT0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Start(ctx))

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.ErrorIs(t, e.Err(), context.Canceled)
	assert.ErrorIs(t, e.Wait(context.Background()), context.Canceled)
	assert.Equal(t, 0, e.Progress().Released)
}

func TestEngine_StartOnce(t *testing.T) {
	e := NewEngine(nil, nil, Config{Clock: timeutil.NewAutoAdvanceClock(playT0)})
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrStarted)
	assert.ErrorIs(t, e.AddCallback(hwA, func([]csi.Frame) {}), ErrStarted)
	waitDone(t, e)
}

func TestEngine_PauseResume(t *testing.T) {
	clock := timeutil.NewAutoAdvanceClock(playT0)
	const grace = 500 * time.Millisecond
	e := NewEngine(nil, map[string][]csi.Frame{
		hwA: seq(recStart, 3, 10*time.Millisecond, 0),
	}, Config{Grace: grace, Clock: clock})
	log := newGroupLog(clock)
	require.NoError(t, e.AddCallback(hwA, log.callback(hwA)))

	e.Pause()
	require.True(t, e.Progress().Paused)
	require.NoError(t, e.Start(context.Background()))

	// Far beyond when the frames were due.
	require.Eventually(t, func() bool {
		return clock.Now().After(playT0.Add(5 * time.Second))
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Progress().Released)
	assert.Equal(t, recStart, e.Progress().Position)

	resumed := clock.Now()
	e.Resume()
	waitDone(t, e)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.groups[hwA], 3)
	first := log.groups[hwA][0]
	assert.False(t, first.at.Before(resumed.Add(grace)), "released before the grace after resume")
}

func TestEngine_Submitters(t *testing.T) {
	t.Run("dispatcher", func(t *testing.T) {
		clock := timeutil.NewAutoAdvanceClock(playT0)
		disp := network.NewDispatcher(2, 64, nil)
		e := NewEngine(nil, map[string][]csi.Frame{
			hwA: seq(recStart, 6, 10*time.Millisecond, 0),
			hwB: seq(recStart, 6, 10*time.Millisecond, 10),
		}, Config{GroupThreshold: 2, Clock: clock, Submitter: disp})
		log := newGroupLog(clock)
		require.NoError(t, e.AddCallback(hwA, log.callback(hwA)))
		require.NoError(t, e.AddCallback(hwB, log.callback(hwB)))
		require.NoError(t, e.Start(context.Background()))
		waitDone(t, e)
		disp.Close()

		assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, log.ids(hwA))
		assert.Equal(t, []int32{10, 11, 12, 13, 14, 15}, log.ids(hwB))
	})

	t.Run("full queue slows playback without reordering", func(t *testing.T) {
		clock := timeutil.NewAutoAdvanceClock(playT0)
		disp := network.NewDispatcher(1, 1, nil)
		e := NewEngine(nil, map[string][]csi.Frame{
			hwA: seq(recStart, 4, 10*time.Millisecond, 0),
		}, Config{GroupThreshold: 1, Clock: clock, Submitter: disp})
		log := newGroupLog(clock)
		record := log.callback(hwA)
		block := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, e.AddCallback(hwA, func(group []csi.Frame) {
			if group[0].MessageID() == 0 {
				close(started)
				<-block
			}
			record(group)
		}))
		require.NoError(t, e.Start(context.Background()))

		<-started
		// One group runs, one waits in the queue, playback waits on the rest.
		require.Eventually(t, func() bool { return e.Progress().Released >= 3 }, 2*time.Second, time.Millisecond)
		select {
		case <-e.Done():
			t.Fatal("playback finished while the consumer was blocked")
		default:
		}
		close(block)
		waitDone(t, e)
		disp.Close()

		assert.Equal(t, []int32{0, 1, 2, 3}, log.ids(hwA))
		assert.Zero(t, disp.Dropped())
	})

	t.Run("stopped submitter drops", func(t *testing.T) {
		clock := timeutil.NewAutoAdvanceClock(playT0)
		disp := network.NewDispatcher(1, 4, nil)
		disp.Close()
		e := NewEngine(nil, map[string][]csi.Frame{
			hwA: seq(recStart, 4, 10*time.Millisecond, 0),
		}, Config{GroupThreshold: 2, Clock: clock, Submitter: disp})
		log := newGroupLog(clock)
		require.NoError(t, e.AddCallback(hwA, log.callback(hwA)))
		require.NoError(t, e.Start(context.Background()))
		waitDone(t, e)

		assert.Empty(t, log.sizes(hwA))
		assert.Equal(t, 4, e.Progress().Released)
	})
}

func TestConfigFromTuning(t *testing.T) {
	cfg := ConfigFromTuning(config.EmptyTuningConfig())
	assert.Equal(t, 1, cfg.GroupThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Grace)
	assert.Equal(t, 20*time.Millisecond, cfg.Quantum)
}

func TestProgressString(t *testing.T) {
	p := Progress{Released: 3, Total: 10, Start: recStart, Position: recStart.Add(1500 * time.Millisecond), Runtime: 4 * time.Second}
	assert.Equal(t, "3/10 frames, 1.5s of 4s", p.String())
}
