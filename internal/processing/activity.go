package processing

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
)

// ActivityPairFromTuning reads the activity antenna pair from a tuning
// config.
func ActivityPairFromTuning(t *config.TuningConfig) Pair {
	p := t.GetActivityAntennaPair()
	return Pair{Rx1: p[0], Tx1: p[1], Rx2: p[2], Tx2: p[3]}
}

// ActivityDetector tracks how much the phase difference between two antenna
// paths moves over a window of frames. The difference is stable per
// subcarrier in a still room; motion spreads it.
type ActivityDetector struct {
	pair   Pair
	window int
	hist   [][]float64 // phase differences per frame, oldest first
}

// NewActivityDetector returns a detector over the last window frames.
func NewActivityDetector(pair Pair, window int) *ActivityDetector {
	if window < 2 {
		window = 2
	}
	return &ActivityDetector{pair: pair, window: window}
}

func (d *ActivityDetector) Pair() Pair  { return d.pair }
func (d *ActivityDetector) Window() int { return d.window }
func (d *ActivityDetector) Len() int    { return len(d.hist) }

// Full reports whether the window holds window frames.
func (d *ActivityDetector) Full() bool { return len(d.hist) == d.window }

// Process adds the phase differences of c and returns the variance of each
// subcarrier's unwrapped difference over the window. Subcarriers are limited
// to the shortest frame in the window.
func (d *ActivityDetector) Process(c csi.CSI) ([]float64, error) {
	m := c.Matrix()
	if !m.Has(d.pair.Rx1, d.pair.Tx1) || !m.Has(d.pair.Rx2, d.pair.Tx2) {
		return nil, fmt.Errorf("%w: %s", ErrAntennaPair, d.pair)
	}
	a, b := m[d.pair.Rx1][d.pair.Tx1], m[d.pair.Rx2][d.pair.Tx2]
	tones := min(c.Tones(), len(a), len(b))
	diff := make([]float64, tones)
	for k := range diff {
		diff[k] = csi.Phase(a[k]) - csi.Phase(b[k])
	}
	d.hist = append(d.hist, diff)
	if len(d.hist) > d.window {
		d.hist = append(d.hist[:0], d.hist[len(d.hist)-d.window:]...)
	}

	for _, h := range d.hist {
		tones = min(tones, len(h))
	}
	variances := make([]float64, tones)
	series := make([]float64, len(d.hist))
	for k := range variances {
		for i, h := range d.hist {
			series[i] = h[k]
		}
		Unwrap(series)
		mean := stat.Mean(series, nil)
		var sum float64
		for _, v := range series {
			dev := Bound(v - mean)
			sum += dev * dev
		}
		variances[k] = sum / float64(len(series))
	}
	return variances, nil
}

// MotionLevel condenses per-subcarrier variances into one value.
func MotionLevel(variances []float64) float64 {
	if len(variances) == 0 {
		return 0
	}
	return stat.Mean(variances, nil)
}
