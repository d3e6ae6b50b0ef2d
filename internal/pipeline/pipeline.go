// Package pipeline turns per-station frames into sensing results: a
// conjugate-multiplication chain feeding a periodicity estimate, a phase
// difference window measuring motion, and RSSI readings feeding the
// trilaterator.
package pipeline

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/periodicity"
	"github.com/banshee-data/csi-sense/internal/processing"
	"github.com/banshee-data/csi-sense/internal/replay"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/storage/sqlite"
	"github.com/banshee-data/csi-sense/internal/trilateration"
)

// SourceAcceleration labels periodicity results derived from acceleration
// frames.
const SourceAcceleration = "acceleration"

// Store persists results. *sqlite.DB implements it.
type Store interface {
	RecordPosition(p *sqlite.Position) error
	RecordPeriodicity(r *sqlite.PeriodicityResult) error
	RecordRSSI(r sqlite.RSSIReading) error
	RecordActivity(a sqlite.ActivityLevel) error
}

// Config controls the pipeline.
type Config struct {
	Pair processing.Pair
	CM   processing.Config
	// Window is the number of samples per periodicity estimate; a new
	// estimate is made every Hop samples once the window is full.
	Window  int
	Hop     int
	MinFreq float64
	MaxFreq float64
	// GridStep is the trilateration grid spacing in cm.
	GridStep float64
	// LocateInterval is the minimum frame time between position estimates.
	LocateInterval time.Duration
	// ActivityWindow frames make up one motion level, reported once per
	// window. Zero disables the activity stage.
	ActivityWindow int
	ActivityPair   processing.Pair
	Store          Store
}

// ConfigFromTuning reads the pipeline settings from a tuning config.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		Pair:           processing.PairFromTuning(t),
		CM:             processing.ConfigFromTuning(t),
		Window:         t.GetPeriodicityWindow(),
		Hop:            t.GetPeriodicityHop(),
		MinFreq:        t.GetPeriodicityMinFreq(),
		MaxFreq:        t.GetPeriodicityMaxFreq(),
		GridStep:       t.GetGridStepCm(),
		LocateInterval: t.GetLocateInterval(),
		ActivityWindow: t.GetActivityWindow(),
		ActivityPair:   processing.ActivityPairFromTuning(t),
	}
}

// Periodicity is one dominant frequency estimate.
type Periodicity struct {
	Station     string    `json:"station"`
	Source      string    `json:"source"` // antenna pair, or SourceAcceleration
	FrequencyHz float64   `json:"frequency_hz"`
	SamplingHz  float64   `json:"sampling_hz"`
	Samples     int       `json:"samples"`
	At          time.Time `json:"at"`
}

// PerMinute returns the frequency in cycles per minute.
func (p Periodicity) PerMinute() float64 { return p.FrequencyHz * 60 }

// Activity is one station's motion level over a window of frames.
type Activity struct {
	Station     string    `json:"station"`
	Source      string    `json:"source"` // antenna pair
	Level       float64   `json:"motion_level"`
	Subcarriers int       `json:"subcarriers"`
	Frames      int       `json:"frames"`
	At          time.Time `json:"at"`
}

// Estimate is one trilaterated position.
type Estimate struct {
	Position trilateration.Point
	Score    float64
	Stations int
	At       time.Time
}

// ChainStats counts what one station's chain has done.
type ChainStats struct {
	CSIFrames          int
	AccelerationFrames int
	Skipped            int // CSI frames lacking the configured antennas
	Estimates          int
	ActivityLevels     int
	ActivitySkipped    int // CSI frames lacking the activity antennas
	CM                 processing.Stats
}

type chain struct {
	st *station.Station

	mu       sync.Mutex
	cm       *processing.CMProcessor
	activity *processing.ActivityDetector // nil when disabled
	phase    *series
	accel    *series
	stats    ChainStats
	warnedP  bool
	warnedA  bool
	// actFresh counts frames since the last motion level.
	actFresh int
	motion   Activity
}

// Pipeline routes frames of known stations through their chains. Frames of
// one station must arrive in order; different stations may be handled
// concurrently.
type Pipeline struct {
	cfg      Config
	room     trilateration.Room
	trilat   *trilateration.Trilaterator
	stations []*station.Station
	chains   map[string]*chain

	locMu      sync.Mutex
	lastLocate time.Time

	estimates   *station.Subject[Estimate]
	periodicity *station.Subject[Periodicity]
	activity    *station.Subject[Activity]
}

// New builds a pipeline over stations located in room.
func New(stations []*station.Station, room trilateration.Room, cfg Config) *Pipeline {
	if cfg.Window < 4 {
		cfg.Window = 4
	}
	if cfg.Hop < 1 {
		cfg.Hop = 1
	}
	if cfg.MaxFreq <= 0 {
		cfg.MaxFreq = math.Inf(1)
	}
	p := &Pipeline{
		cfg:         cfg,
		room:        room,
		trilat:      trilateration.New(cfg.GridStep),
		stations:    stations,
		chains:      make(map[string]*chain, len(stations)),
		estimates:   station.NewSubject(Estimate{}),
		periodicity: station.NewSubject(Periodicity{}),
		activity:    station.NewSubject(Activity{}),
	}
	for _, st := range stations {
		c := &chain{
			st:    st,
			cm:    processing.NewCMProcessor(cfg.Pair, cfg.CM),
			phase: newSeries(cfg.Window),
			accel: newSeries(cfg.Window),
		}
		if cfg.ActivityWindow > 0 {
			c.activity = processing.NewActivityDetector(cfg.ActivityPair, cfg.ActivityWindow)
		}
		p.chains[st.HWAddress] = c
	}
	return p
}

// FromTopology builds the stations of topo and a pipeline over them.
func FromTopology(topo *config.Topology, tuning *config.TuningConfig, store Store) (*Pipeline, error) {
	stations, err := station.FromConfig(topo, tuning.GetRSSIHistoryLength())
	if err != nil {
		return nil, err
	}
	cfg := ConfigFromTuning(tuning)
	cfg.Store = store
	return New(stations, trilateration.Room{Width: topo.Width, Height: topo.Height}, cfg), nil
}

// Stations returns the stations in construction order.
func (p *Pipeline) Stations() []*station.Station { return p.stations }

// Station returns the station with hardware address hw.
func (p *Pipeline) Station(hw string) (*station.Station, bool) {
	c, ok := p.chains[strings.ToLower(hw)]
	if !ok {
		return nil, false
	}
	return c.st, true
}

// Estimates publishes every position estimate.
func (p *Pipeline) Estimates() *station.Subject[Estimate] { return p.estimates }

// Periodicity publishes every periodicity estimate.
func (p *Pipeline) Periodicity() *station.Subject[Periodicity] { return p.periodicity }

// Activity publishes every motion level.
func (p *Pipeline) Activity() *station.Subject[Activity] { return p.activity }

// LastEstimate returns the most recent position estimate, if any.
func (p *Pipeline) LastEstimate() (Estimate, bool) {
	e := p.estimates.Get()
	return e, !e.At.IsZero()
}

// Stats returns per-station counters keyed by hardware address.
func (p *Pipeline) Stats() map[string]ChainStats {
	out := make(map[string]ChainStats, len(p.chains))
	for hw, c := range p.chains {
		c.mu.Lock()
		s := c.stats
		s.CM = c.cm.Stats()
		c.mu.Unlock()
		out[hw] = s
	}
	return out
}

// Handle processes one frame from station hw.
func (p *Pipeline) Handle(hw string, f csi.Frame) {
	c, ok := p.chains[strings.ToLower(hw)]
	if !ok {
		monitoring.Debugf("pipeline: frame from unknown station %s", hw)
		return
	}
	switch v := f.(type) {
	case csi.CSI:
		p.handleCSI(c, f, v)
	case *csi.AccelerationFrame:
		p.handleAcceleration(c, v)
	default:
		monitoring.Debugf("pipeline: ignoring %T from %s", f, hw)
	}
}

func (p *Pipeline) handleCSI(c *chain, f csi.Frame, v csi.CSI) {
	rssi := float64(v.Status().RSSI)
	c.st.AddRSSI(rssi)

	c.mu.Lock()
	c.stats.CSIFrames++
	act, actOK := p.detectActivity(c, f, v)
	m := v.Matrix()
	pair := p.cfg.Pair
	if !m.Has(pair.Rx1, pair.Tx1) || !m.Has(pair.Rx2, pair.Tx2) {
		c.stats.Skipped++
		if !c.warnedP {
			c.warnedP = true
			monitoring.Warnf("pipeline: %s frames lack antenna pair %s, skipping CM", c.st, pair)
		}
		c.mu.Unlock()
		if actOK {
			p.publishActivity(act)
		}
		p.maybeLocate(f.Timestamp())
		return
	}
	cm := c.cm.Process(f)
	c.phase.add(processing.ShapeOf(cm).RelativeAngle(len(cm)), f.Timestamp())
	var (
		res Periodicity
		ok  bool
	)
	if c.phase.due(p.cfg.Hop) {
		// The relative angle wraps at ±π; unwrap before transforming.
		res, ok = p.detect(c, c.phase, pair.String(), processing.Unwrap(c.phase.snapshot()))
	}
	c.mu.Unlock()

	if actOK {
		p.publishActivity(act)
	}
	if ok {
		p.publish(res)
	}
	p.maybeLocate(f.Timestamp())
}

// detectActivity feeds v to the chain's activity detector and reports a
// motion level once per full window. c.mu must be held.
func (p *Pipeline) detectActivity(c *chain, f csi.Frame, v csi.CSI) (Activity, bool) {
	if c.activity == nil {
		return Activity{}, false
	}
	variances, err := c.activity.Process(v)
	if err != nil {
		c.stats.ActivitySkipped++
		if !c.warnedA {
			c.warnedA = true
			monitoring.Warnf("pipeline: %s: %v, skipping activity", c.st, err)
		}
		return Activity{}, false
	}
	c.actFresh++
	if !c.activity.Full() || c.actFresh < c.activity.Window() {
		return Activity{}, false
	}
	c.actFresh = 0
	c.stats.ActivityLevels++
	c.motion = Activity{
		Station:     c.st.HWAddress,
		Source:      c.activity.Pair().String(),
		Level:       processing.MotionLevel(variances),
		Subcarriers: len(variances),
		Frames:      c.activity.Len(),
		At:          f.Timestamp(),
	}
	return c.motion, true
}

func (p *Pipeline) handleAcceleration(c *chain, f *csi.AccelerationFrame) {
	c.mu.Lock()
	c.stats.AccelerationFrames++
	x, y, z := float64(f.Values[0]), float64(f.Values[1]), float64(f.Values[2])
	c.accel.add(math.Sqrt(x*x+y*y+z*z), f.Timestamp())
	var (
		res Periodicity
		ok  bool
	)
	if c.accel.due(p.cfg.Hop) {
		res, ok = p.detect(c, c.accel, SourceAcceleration, c.accel.snapshot())
	}
	c.mu.Unlock()

	if ok {
		p.publish(res)
	}
}

// detect runs the estimator over values taken from s. c.mu must be held.
func (p *Pipeline) detect(c *chain, s *series, source string, values []float64) (Periodicity, bool) {
	s.fresh = 0
	fs := s.samplingFreq()
	if fs <= 0 {
		return Periodicity{}, false
	}
	freq, err := periodicity.Detect(values, fs).Filter(p.cfg.MinFreq, p.cfg.MaxFreq).QuadraticPeak()
	if err != nil {
		monitoring.Debugf("pipeline: %s %s: %v", c.st, source, err)
		return Periodicity{}, false
	}
	c.stats.Estimates++
	return Periodicity{
		Station:     c.st.HWAddress,
		Source:      source,
		FrequencyHz: freq,
		SamplingHz:  fs,
		Samples:     len(values),
		At:          s.last(),
	}, true
}

func (p *Pipeline) publish(r Periodicity) {
	monitoring.Debugf("pipeline: %s %s periodicity %.3f Hz (%.1f/min)", r.Station, r.Source, r.FrequencyHz, r.PerMinute())
	if p.cfg.Store != nil {
		err := p.cfg.Store.RecordPeriodicity(&sqlite.PeriodicityResult{
			HWAddress:   r.Station,
			AntennaPair: r.Source,
			FrequencyHz: r.FrequencyHz,
			SamplingHz:  r.SamplingHz,
			SampleCount: r.Samples,
			RecordedAt:  r.At,
		})
		if err != nil {
			monitoring.Warnf("pipeline: %v", err)
		}
	}
	p.periodicity.Set(r)
}

func (p *Pipeline) publishActivity(a Activity) {
	monitoring.Debugf("pipeline: %s motion level %.4f over %d frames", a.Station, a.Level, a.Frames)
	if p.cfg.Store != nil {
		err := p.cfg.Store.RecordActivity(sqlite.ActivityLevel{
			HWAddress:   a.Station,
			AntennaPair: a.Source,
			Level:       a.Level,
			Subcarriers: a.Subcarriers,
			Frames:      a.Frames,
			RecordedAt:  a.At,
		})
		if err != nil {
			monitoring.Warnf("pipeline: %v", err)
		}
	}
	p.activity.Set(a)
}

// maybeLocate trilaterates when LocateInterval of frame time has passed
// since the last estimate.
func (p *Pipeline) maybeLocate(at time.Time) {
	p.locMu.Lock()
	if !p.lastLocate.IsZero() && at.Sub(p.lastLocate) < p.cfg.LocateInterval {
		p.locMu.Unlock()
		return
	}
	p.lastLocate = at
	p.locMu.Unlock()
	p.Locate(at)
}

// Locate estimates a position from every station that has RSSI readings
// and a distance estimator. It reports false when no position scores.
func (p *Pipeline) Locate(at time.Time) (Estimate, bool) {
	var anchors []trilateration.Anchor
	for _, st := range p.stations {
		if st.Estimator == nil || st.RSSIHistoryLen() == 0 {
			continue
		}
		a := st.Anchor()
		anchors = append(anchors, a)
		if p.cfg.Store != nil {
			err := p.cfg.Store.RecordRSSI(sqlite.RSSIReading{
				HWAddress:  st.HWAddress,
				Smoothed:   st.RSSI(),
				RSSI:       st.LastRSSI(),
				DistanceCm: a.Distance,
				RecordedAt: at,
			})
			if err != nil {
				monitoring.Warnf("pipeline: %v", err)
			}
		}
	}
	if len(anchors) == 0 {
		return Estimate{}, false
	}

	pt, ok := p.trilat.Estimate(p.room, anchors)
	if !ok {
		monitoring.Debugf("pipeline: no position from %d stations", len(anchors))
		return Estimate{}, false
	}
	e := Estimate{
		Position: pt,
		Score:    trilateration.Score(pt, anchors),
		Stations: len(anchors),
		At:       at,
	}
	if p.cfg.Store != nil {
		err := p.cfg.Store.RecordPosition(&sqlite.Position{
			X:            pt.X,
			Y:            pt.Y,
			Score:        e.Score,
			StationCount: e.Stations,
			RecordedAt:   at,
		})
		if err != nil {
			monitoring.Warnf("pipeline: %v", err)
		}
	}
	p.estimates.Set(e)
	return e, true
}

// Consumer returns a network consumer feeding frames of station hw.
func (p *Pipeline) Consumer(hw string) network.Consumer {
	return func(f csi.Frame) { p.Handle(hw, f) }
}

// Callback returns a replay callback feeding groups of station hw.
func (p *Pipeline) Callback(hw string) replay.Callback {
	return func(group []csi.Frame) {
		for _, f := range group {
			p.Handle(hw, f)
		}
	}
}

// AttachRegistry subscribes the pipeline to CSI and acceleration frames of
// every station. The returned function detaches it.
func (p *Pipeline) AttachRegistry(reg *network.Registry) (detach func()) {
	var removes []func()
	for _, st := range p.stations {
		for _, kind := range []csi.Kind{csi.KindCSI, csi.KindAcceleration} {
			removes = append(removes, reg.AddConsumer(st.HWAddress, kind, p.Consumer(st.HWAddress)))
		}
	}
	return func() {
		for _, r := range removes {
			r()
		}
	}
}

// AttachReplay registers a callback for every station on e.
func (p *Pipeline) AttachReplay(e *replay.Engine) error {
	for _, st := range p.stations {
		if err := e.AddCallback(st.HWAddress, p.Callback(st.HWAddress)); err != nil {
			return err
		}
	}
	return nil
}
