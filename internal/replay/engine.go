// Package replay plays recorded CSI back at its original cadence and
// records live frames in the same archive format.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/timeutil"
)

// ErrStarted is returned when a callback is added after Start.
var ErrStarted = errors.New("replay: engine already started")

// Callback receives a group of frames from one station in timestamp order.
// It runs on the submitter and owns the slice.
type Callback func(group []csi.Frame)

// Submitter runs work for a station off the playback goroutine. Work for one
// key must run in submission order. SubmitWait may block until there is
// room; it reports false only when ctx ended or the submitter shut down.
// *network.Dispatcher implements it.
type Submitter interface {
	SubmitWait(ctx context.Context, key string, fn func()) bool
}

// Config controls playback.
type Config struct {
	// GroupThreshold is the number of frames released together.
	GroupThreshold int
	// Grace delays the first frame after Start's reference time.
	Grace time.Duration
	// Quantum is the sleep between scans.
	Quantum   time.Duration
	Clock     timeutil.Clock
	Submitter Submitter
}

// ConfigFromTuning reads playback settings from a tuning config.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		GroupThreshold: t.GetReplayGroupThreshold(),
		Grace:          t.GetReplayGrace(),
		Quantum:        t.GetReplayQuantum(),
	}
}

// Progress describes how far playback has got.
type Progress struct {
	Released int
	Total    int
	// Start and End are the earliest and latest original timestamps.
	Start   time.Time
	End     time.Time
	Runtime time.Duration
	// Position is the original time currently being played.
	Position time.Time
	Paused   bool
}

// Engine replays recorded frames. Frames are released once their original
// timestamp plus a single global offset has passed; the offset is fixed at
// construction as now - earliest timestamp + grace.
type Engine struct {
	cfg      Config
	topology *config.Topology
	timeline *timeline

	// Touched only by the playback goroutine once started.
	remaining map[string]int
	pending   map[string][]csi.Frame

	callbacks map[string][]Callback
	started   atomic.Bool
	released  atomic.Int64
	total     int
	start     time.Time
	end       time.Time

	mu       sync.Mutex
	offset   time.Duration
	paused   bool
	pausedAt time.Time
	err      error

	done chan struct{}
}

type inlineSubmitter struct{}

func (inlineSubmitter) SubmitWait(_ context.Context, _ string, fn func()) bool {
	fn()
	return true
}

// NewEngine prepares playback of frames keyed by station hardware address.
// When topo is non-nil, frames of stations it does not list are ignored.
func NewEngine(topo *config.Topology, frames map[string][]csi.Frame, cfg Config) *Engine {
	if cfg.GroupThreshold < 1 {
		cfg.GroupThreshold = 1
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = 20 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Submitter == nil {
		cfg.Submitter = inlineSubmitter{}
	}

	e := &Engine{
		cfg:       cfg,
		topology:  topo,
		remaining: make(map[string]int),
		pending:   make(map[string][]csi.Frame),
		callbacks: make(map[string][]Callback),
		done:      make(chan struct{}),
	}

	var items []item
	for hw, fs := range frames {
		key := strings.ToLower(hw)
		if topo != nil {
			if _, ok := topo.Station(key); !ok {
				monitoring.Warnf("Replay: ignoring %d frames of unknown station %s", len(fs), hw)
				continue
			}
		}
		for _, f := range fs {
			items = append(items, item{station: key, frame: f, at: f.Timestamp(), seq: len(items)})
			e.remaining[key]++
		}
	}
	e.timeline = newTimeline(items)
	e.total = len(items)

	for _, it := range items {
		if e.start.IsZero() || it.at.Before(e.start) {
			e.start = it.at
		}
		if it.at.After(e.end) {
			e.end = it.at
		}
	}
	e.offset = cfg.Grace
	if e.total > 0 {
		e.offset += cfg.Clock.Now().Sub(e.start)
	}

	monitoring.Debugf("Replay loaded, %d frames from %d stations", e.total, len(e.remaining))
	return e
}

// Topology returns the topology the engine was built with, possibly nil.
func (e *Engine) Topology() *config.Topology { return e.topology }

// AddCallback registers fn for frames of station hw. It must be called
// before Start.
func (e *Engine) AddCallback(hw string, fn Callback) error {
	if e.started.Load() {
		return ErrStarted
	}
	key := strings.ToLower(hw)
	e.callbacks[key] = append(e.callbacks[key], fn)
	return nil
}

// Start launches the playback goroutine. Cancelling ctx stops playback;
// Err then reports the cause.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	go e.run(ctx)
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	monitoring.Debugf("Starting replay")
	for e.timeline.Len() > 0 {
		if err := ctx.Err(); err != nil {
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
			monitoring.Debugf("Replay stopped with %d frames left: %v", e.timeline.Len(), err)
			return
		}
		if cutoff, ok := e.cutoff(); ok {
			for _, it := range e.timeline.popUntil(cutoff) {
				e.release(ctx, it)
			}
		}
		if e.timeline.Len() == 0 {
			break
		}
		e.cfg.Clock.Sleep(e.cfg.Quantum)
	}
	monitoring.Debugf("Replay complete, %d frames released", e.released.Load())
}

// cutoff is the latest original timestamp due for release now.
func (e *Engine) cutoff() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return time.Time{}, false
	}
	return e.cfg.Clock.Now().Add(-e.offset), true
}

// release may block on the submitter, which slows playback down rather than
// dropping or reordering a station's groups.
func (e *Engine) release(ctx context.Context, it item) {
	e.released.Add(1)
	e.remaining[it.station]--
	group := append(e.pending[it.station], it.frame)
	if len(group) < e.cfg.GroupThreshold && e.remaining[it.station] > 0 {
		e.pending[it.station] = group
		return
	}
	delete(e.pending, it.station)

	cbs := e.callbacks[it.station]
	if len(cbs) == 0 {
		return
	}
	for _, cb := range cbs {
		g := append([]csi.Frame(nil), group...)
		if !e.cfg.Submitter.SubmitWait(ctx, it.station, func() { cb(g) }) {
			monitoring.Warnf("Replay: dropping %d frames of %s, submitter stopped", len(g), it.station)
		}
	}
}

// Pause holds playback. Frames due while paused are released after Resume
// at their original spacing.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		e.pausedAt = e.cfg.Clock.Now()
	}
}

// Resume continues a paused playback.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		e.offset += e.cfg.Clock.Now().Sub(e.pausedAt)
	}
}

// Done is closed once every frame has been released or playback stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until Done or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err reports why playback stopped early, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Progress returns a snapshot of playback state.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	now := e.cfg.Clock.Now()
	if e.paused {
		now = e.pausedAt
	}
	pos := now.Add(-e.offset)
	paused := e.paused
	e.mu.Unlock()

	if pos.Before(e.start) {
		pos = e.start
	}
	if pos.After(e.end) {
		pos = e.end
	}
	return Progress{
		Released: int(e.released.Load()),
		Total:    e.total,
		Start:    e.start,
		End:      e.end,
		Runtime:  e.end.Sub(e.start),
		Position: pos,
		Paused:   paused,
	}
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d frames, %s of %s", p.Released, p.Total,
		p.Position.Sub(p.Start).Round(time.Millisecond), p.Runtime.Round(time.Millisecond))
}
