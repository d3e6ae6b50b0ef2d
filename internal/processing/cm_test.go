package processing

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
)

const tones = 30

var testPair = Pair{Rx1: 0, Tx1: 0, Rx2: 1, Tx2: 0}

// frameOf builds a frame whose (0,0)x(1,0) product equals v.
func frameOf(id int32, v []complex128) *csi.CSIFrame {
	m := csi.NewMatrix(2, 1, len(v))
	for i, c := range v {
		m[0][0][i] = c
		m[1][0][i] = 1
	}
	return &csi.CSIFrame{
		Received: time.Unix(int64(id), 0),
		ID:       id,
		M:        m,
		St:       csi.Status{Rx: 2, Tx: 1, NumTones: len(v)},
	}
}

// arc is a circle of radius 1000 around center, sampled at 0.2 rad steps.
func arc(center complex128, phase float64) []complex128 {
	v := make([]complex128, tones)
	for k := range v {
		v[k] = center + cmplx.Rect(1000, 0.2*float64(k)+phase)
	}
	return v
}

func normalized(v []complex128, target float64) []complex128 {
	s := complex(target/Deviation(v), 0)
	out := make([]complex128, len(v))
	for i, c := range v {
		out[i] = c * s
	}
	return out
}

func assertVecNear(t *testing.T, want, got []complex128, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if d := cmplx.Abs(want[i] - got[i]); d > tol {
			t.Fatalf("subcarrier %d: want %v, got %v (off by %g)", i, want[i], got[i], d)
		}
	}
}

func TestProcess_ConvergesOnRepeatedFrame(t *testing.T) {
	p := NewCMProcessor(testPair, DefaultConfig())
	base := arc(complex(0, 3000), 0)
	want := normalized(base, 2000)

	var out []complex128
	for i := 0; i < 10; i++ {
		out = p.Process(frameOf(int32(i), base))
	}
	assertVecNear(t, want, out, 1e-6)
	assert.InDelta(t, 2000, Deviation(out), 1e-6)
	assert.Equal(t, Stats{Processed: 10}, p.Stats())
}

func TestProcess_RunningAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Average = 2
	p := NewCMProcessor(testPair, cfg)

	a := arc(complex(0, 3000), 0)
	b := arc(complex(0, 3000), 0.1)
	p.Process(frameOf(0, a))
	out := p.Process(frameOf(1, b))

	na, nb := normalized(a, 2000), normalized(b, 2000)
	want := make([]complex128, tones)
	for i := range want {
		want[i] = (na[i] + nb[i]) / 2
	}
	assertVecNear(t, want, out, 1e-6)
}

func TestProcess_DegenerateFrameReplicatesPrevious(t *testing.T) {
	p := NewCMProcessor(testPair, DefaultConfig())
	base := arc(complex(0, 3000), 0)
	for i := 0; i < 3; i++ {
		p.Process(frameOf(int32(i), base))
	}
	prevOut := p.Process(frameOf(3, base))
	before := p.HistoryLen()

	// Every subcarrier has the same phase: a straight line from the origin.
	line := make([]complex128, tones)
	for k := range line {
		line[k] = cmplx.Rect(float64(100*(k+1)), 1.0)
	}
	out := p.Process(frameOf(4, line))

	assert.Equal(t, prevOut, out)
	assert.Equal(t, before+1, p.HistoryLen(), "previous sample should be pushed again")
	assert.Equal(t, 1, p.Stats().Filtered)
}

func TestProcess_FirstFrameNeverFiltered(t *testing.T) {
	p := NewCMProcessor(testPair, DefaultConfig())
	line := make([]complex128, tones)
	for k := range line {
		line[k] = cmplx.Rect(float64(100*(k+1)), 1.0)
	}
	out := p.Process(frameOf(0, line))
	assertVecNear(t, normalized(line, 2000), out, 1e-6)
	assert.Equal(t, 0, p.Stats().Filtered)
}

func TestProcess_RotationCorrected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Average = 1
	p := NewCMProcessor(testPair, cfg)

	base := arc(complex(0, 3000), 0)
	for i := 0; i < 3; i++ {
		p.Process(frameOf(int32(i), base))
	}

	flipped := Rotate(base, math.Pi)
	out := p.Process(frameOf(3, flipped))

	assertVecNear(t, normalized(base, 2000), out, 1e-6)
	assert.Equal(t, 1, p.Stats().Rotated)
	assert.Equal(t, 0, p.Stats().Rejected)
}

func TestProcess_RotationReferenceIsTwoStepsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Average = 1
	p := NewCMProcessor(testPair, cfg)

	// History ends [base, base, base+30°]; the newest is a small turn and
	// stays as measured.
	base := arc(complex(0, 3000), 0)
	turned := Rotate(base, 30*math.Pi/180)
	p.Process(frameOf(0, base))
	p.Process(frameOf(1, base))
	p.Process(frameOf(2, turned))
	require.Equal(t, Stats{Processed: 3}, p.Stats())

	// 80° past base but only 50° past the newest sample: corrected only when
	// compared with the sample before the newest.
	jumped := Rotate(base, 80*math.Pi/180)
	out := p.Process(frameOf(3, jumped))

	assertVecNear(t, normalized(base, 2000), out, 1e-6)
	assert.Equal(t, Stats{Processed: 4, Rotated: 1}, p.Stats())
}

func TestProcess_RotationRejectedWhenNeitherClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Average = 1
	p := NewCMProcessor(testPair, cfg)

	base := arc(complex(0, 3000), 0)
	for i := 0; i < 3; i++ {
		p.Process(frameOf(int32(i), base))
	}

	// Opposite centre with the arc unchanged: undoing the rotation mirrors
	// the arc, leaving every subcarrier far from the reference.
	other := arc(complex(0, -3000), 0)
	out := p.Process(frameOf(3, other))

	assertVecNear(t, normalized(other, 2000), out, 1e-6)
	assert.Equal(t, 0, p.Stats().Rotated)
	assert.Equal(t, 1, p.Stats().Rejected)
}

func TestProcess_SmallRotationIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Average = 1
	p := NewCMProcessor(testPair, cfg)

	base := arc(complex(0, 3000), 0)
	p.Process(frameOf(0, base))
	p.Process(frameOf(1, base))

	turned := Rotate(base, 30*math.Pi/180)
	out := p.Process(frameOf(2, turned))
	assertVecNear(t, normalized(turned, 2000), out, 1e-6)
	assert.Equal(t, Stats{Processed: 3}, p.Stats())
}

func TestProcess_HistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 4
	cfg.Average = 10
	p := NewCMProcessor(testPair, cfg)

	for i := 0; i < 20; i++ {
		p.Process(frameOf(int32(i), arc(complex(0, 3000), 0.01*float64(i))))
		if p.HistoryLen() > 4 {
			t.Fatalf("history grew to %d with window 4", p.HistoryLen())
		}
	}
	assert.Equal(t, 4, p.HistoryLen())
}

func TestProcess_PanicsOnNonCSI(t *testing.T) {
	p := NewCMProcessor(testPair, DefaultConfig())
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic payload %T is not an error", r)
		assert.True(t, errors.Is(err, ErrNotCSI), "got %v", err)
	}()
	p.Process(&csi.AccelerationFrame{ID: 1})
}

func TestProcess_PanicsOnMissingAntenna(t *testing.T) {
	p := NewCMProcessor(Pair{Rx1: 0, Tx1: 0, Rx2: 2, Tx2: 0}, DefaultConfig())
	assert.PanicsWithError(t, "processing: antenna pair not in frame: (0,0)x(2,0)", func() {
		p.Process(frameOf(0, arc(0, 0)))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 150, cfg.Window)
	assert.Equal(t, 5, cfg.Average)
	assert.InDelta(t, 20*math.Pi/180, cfg.PhaseStddevThreshold, 1e-12)
	assert.InDelta(t, math.Pi/3, cfg.RotationThreshold, 1e-12)
	assert.Equal(t, 0.66, cfg.PhaseStddevRatio)
	assert.Equal(t, 1000.0, cfg.CorrectionMaxDist)
}

func TestPairFromTuning(t *testing.T) {
	assert.Equal(t, Pair{Rx1: 0, Tx1: 0, Rx2: 1, Tx2: 0}, PairFromTuning(config.EmptyTuningConfig()))
	assert.Equal(t, Pair{Rx1: 2, Tx1: 1, Rx2: 0, Tx2: 1},
		PairFromTuning(&config.TuningConfig{CMAntennaPair: []int{2, 1, 0, 1}}))
}
