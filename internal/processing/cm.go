// Package processing conditions raw CSI for motion and respiration
// detection.
//
// The CMProcessor multiplies the channel of one antenna pair by the
// conjugate of another. Both antennas share the receiver's oscillator, so
// the product cancels the random phase offset that makes single-antenna
// phase unusable. The product is then normalised, screened for degenerate
// frames, corrected for hardware re-lock rotations and averaged.
package processing

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
)

var (
	// ErrNotCSI is the panic payload when a frame without a CSI matrix is
	// processed.
	ErrNotCSI = errors.New("processing: frame carries no CSI matrix")
	// ErrAntennaPair is the panic payload when the configured antennas are
	// not present in a frame.
	ErrAntennaPair = errors.New("processing: antenna pair not in frame")
)

// Pair selects the two (rx, tx) antenna paths that are multiplied.
type Pair struct {
	Rx1, Tx1 int
	Rx2, Tx2 int
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)x(%d,%d)", p.Rx1, p.Tx1, p.Rx2, p.Tx2)
}

// PairFromTuning reads the antenna pair from a tuning config.
func PairFromTuning(t *config.TuningConfig) Pair {
	p := t.GetCMAntennaPair()
	return Pair{Rx1: p[0], Tx1: p[1], Rx2: p[2], Tx2: p[3]}
}

// Config holds the processor thresholds. Angles are in radians.
type Config struct {
	Window               int
	Average              int
	TargetStddev         float64
	PhaseStddevThreshold float64
	PhaseStddevRatio     float64
	RotationThreshold    float64
	CorrectionMaxDist    float64
}

// DefaultConfig returns the thresholds measured on the reference hardware.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning reads the processor thresholds from a tuning config.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		Window:               t.GetCMWindowSize(),
		Average:              t.GetCMAverageCount(),
		TargetStddev:         t.GetCMTargetAmplitudeStddev(),
		PhaseStddevThreshold: t.GetCMPhaseStddevThresholdDeg() * math.Pi / 180,
		PhaseStddevRatio:     t.GetCMPhaseStddevRatio(),
		RotationThreshold:    t.GetCMRotationThresholdDeg() * math.Pi / 180,
		CorrectionMaxDist:    t.GetCMRotationCorrectionMaxDist(),
	}
}

// Stats counts processor decisions.
type Stats struct {
	Processed int
	Filtered  int
	Rotated   int
	Rejected  int // rotations detected but not corrected
}

// CMProcessor processes frames strictly in call order and is not safe for
// concurrent use.
type CMProcessor struct {
	pair  Pair
	cfg   Config
	hist  *history
	last  []complex128
	stats Stats
}

// NewCMProcessor returns a processor for pair. Average is clamped to
// [1, Window].
func NewCMProcessor(pair Pair, cfg Config) *CMProcessor {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	cfg.Average = max(1, min(cfg.Average, cfg.Window))
	return &CMProcessor{
		pair: pair,
		cfg:  cfg,
		hist: newHistory(cfg.Window),
	}
}

// Pair returns the antenna pair this processor multiplies.
func (p *CMProcessor) Pair() Pair { return p.pair }

// Stats returns decision counters.
func (p *CMProcessor) Stats() Stats { return p.stats }

// HistoryLen returns the number of samples held, never more than the window.
func (p *CMProcessor) HistoryLen() int { return p.hist.Len() }

// Process conditions one frame and returns the running average of the most
// recent processed samples. The returned slice is owned by the caller.
//
// A frame whose phases are nearly identical across subcarriers is treated as
// invalid: the previous sample is pushed again and the previous output is
// returned. The repeated entry also enters the phase stddev average used by
// later decisions.
//
// Process panics with ErrNotCSI if f carries no CSI matrix and with
// ErrAntennaPair if the configured antennas are absent.
func (p *CMProcessor) Process(f csi.Frame) []complex128 {
	c, ok := f.(csi.CSI)
	if !ok {
		panic(fmt.Errorf("%w: got %T", ErrNotCSI, f))
	}
	cm := p.rawProduct(c)
	p.normalize(cm)

	sd := PhaseStddev(cm)
	if p.hist.Len() > 0 &&
		sd < p.cfg.PhaseStddevThreshold &&
		sd < p.cfg.PhaseStddevRatio*p.hist.meanPhaseStddev() {
		prev, _ := p.hist.back(0)
		p.hist.push(prev)
		p.stats.Filtered++
		monitoring.Debugf("cm %s: frame %d filtered, phase stddev %.3f", p.pair, f.MessageID(), sd)
		return cloneVec(p.last)
	}

	cm = p.correctRotation(cm)
	p.hist.push(entry{processed: cm, phaseStddev: sd})
	p.stats.Processed++

	p.last = p.hist.average(p.cfg.Average, len(cm))
	return cloneVec(p.last)
}

// rawProduct computes v1·conj(v2) over the frame's tones.
func (p *CMProcessor) rawProduct(c csi.CSI) []complex128 {
	m := c.Matrix()
	if !m.Has(p.pair.Rx1, p.pair.Tx1) || !m.Has(p.pair.Rx2, p.pair.Tx2) {
		panic(fmt.Errorf("%w: %s", ErrAntennaPair, p.pair))
	}
	v1 := m[p.pair.Rx1][p.pair.Tx1]
	v2 := m[p.pair.Rx2][p.pair.Tx2]
	n := min(c.Tones(), len(v1), len(v2))

	out := make([]complex128, n)
	for i := range out {
		out[i] = v1[i] * cmplx.Conj(v2[i])
	}
	return out
}

// normalize scales v about the origin so its deviation around its own mean
// equals the target. Flat vectors are left as they are.
func (p *CMProcessor) normalize(v []complex128) {
	dev := Deviation(v)
	if dev == 0 {
		return
	}
	s := complex(p.cfg.TargetStddev/dev, 0)
	for i := range v {
		v[i] *= s
	}
}

// correctRotation compares cm against the sample two steps back. A mean
// phase jump beyond the rotation threshold is undone when the rotated
// sample lands within the correction distance of that sample and closer
// than the unrotated one.
func (p *CMProcessor) correctRotation(cm []complex128) []complex128 {
	ref, ok := p.hist.back(1)
	if !ok || len(ref.processed) != len(cm) {
		return cm
	}
	mc, mr := Mean(cm), Mean(ref.processed)
	if mc == 0 || mr == 0 {
		return cm
	}
	offset := Bound(cmplx.Phase(mr) - cmplx.Phase(mc))
	if math.Abs(offset) <= p.cfg.RotationThreshold {
		return cm
	}

	rotated := Rotate(cm, offset)
	rawDist := MeanDistance(cm, ref.processed)
	rotDist := MeanDistance(rotated, ref.processed)
	if rotDist < p.cfg.CorrectionMaxDist && rotDist < rawDist {
		p.stats.Rotated++
		monitoring.Debugf("cm %s: corrected %.0f° rotation (dist %.0f -> %.0f)", p.pair, offset*180/math.Pi, rawDist, rotDist)
		return rotated
	}
	p.stats.Rejected++
	return cm
}

func cloneVec(v []complex128) []complex128 {
	return append([]complex128(nil), v...)
}
