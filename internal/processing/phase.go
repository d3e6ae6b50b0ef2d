package processing

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/csi-sense/internal/csi"
)

// Phases returns the per-subcarrier phase of v in [0, 2π).
func Phases(v []complex128) []float64 {
	out := make([]float64, len(v))
	for i, c := range v {
		out[i] = csi.Phase(c)
	}
	return out
}

// PhaseStddev is the population standard deviation of the [0, 2π) phases.
func PhaseStddev(v []complex128) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.PopStdDev(Phases(v), nil)
}

// Mean returns the complex mean of v, or 0 for an empty vector.
func Mean(v []complex128) complex128 {
	if len(v) == 0 {
		return 0
	}
	var sum complex128
	for _, c := range v {
		sum += c
	}
	return sum / complex(float64(len(v)), 0)
}

// Deviation is the RMS distance of v from its complex mean.
func Deviation(v []complex128) float64 {
	if len(v) == 0 {
		return 0
	}
	m := Mean(v)
	var acc float64
	for _, c := range v {
		d := cmplx.Abs(c - m)
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(v)))
}

// MeanDistance is the mean per-subcarrier distance between a and b over
// their common length.
func MeanDistance(a, b []complex128) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return math.Inf(1)
	}
	var acc float64
	for i := 0; i < n; i++ {
		acc += cmplx.Abs(a[i] - b[i])
	}
	return acc / float64(n)
}

// Rotate returns v multiplied by e^(i·angle).
func Rotate(v []complex128, angle float64) []complex128 {
	r := cmplx.Rect(1, angle)
	out := make([]complex128, len(v))
	for i, c := range v {
		out[i] = c * r
	}
	return out
}

// Bound maps x into [-π, π].
func Bound(x float64) float64 {
	for x > math.Pi {
		x -= 2 * math.Pi
	}
	for x < -math.Pi {
		x += 2 * math.Pi
	}
	return x
}

// Unwrap removes jumps larger than π between consecutive samples, in place.
func Unwrap(p []float64) []float64 {
	for i := 1; i < len(p); i++ {
		for p[i]-p[i-1] > math.Pi {
			p[i] -= 2 * math.Pi
		}
		for p[i]-p[i-1] < -math.Pi {
			p[i] += 2 * math.Pi
		}
	}
	return p
}

// CyclicMean returns the circular mean of angles in [-π, π].
func CyclicMean(angles []float64) float64 {
	var sum complex128
	for _, a := range angles {
		sum += cmplx.Rect(1, a)
	}
	return cmplx.Phase(sum)
}

// Shape describes a CM vector by the steps between consecutive subcarrier
// points: each step's length and its direction in [0, 2π).
type Shape struct {
	Dists  []float64
	Angles []float64
}

// ShapeOf computes the shape of v. Vectors shorter than two points have an
// empty shape.
func ShapeOf(v []complex128) Shape {
	if len(v) < 2 {
		return Shape{}
	}
	s := Shape{
		Dists:  make([]float64, len(v)-1),
		Angles: make([]float64, len(v)-1),
	}
	for i := range s.Dists {
		d := v[i+1] - v[i]
		s.Dists[i] = cmplx.Abs(d)
		s.Angles[i] = csi.Phase(d)
	}
	return s
}

// MeanDist returns the mean step length.
func (s Shape) MeanDist() float64 {
	if len(s.Dists) == 0 {
		return 0
	}
	return stat.Mean(s.Dists, nil)
}

// RelativeAngle returns the cyclic mean of the first n step directions,
// bounded to [-π, π]. It is the scalar tracked over time for respiration.
func (s Shape) RelativeAngle(n int) float64 {
	n = min(n, len(s.Angles))
	if n == 0 {
		return 0
	}
	return CyclicMean(s.Angles[:n])
}
