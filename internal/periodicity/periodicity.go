// Package periodicity finds the dominant frequency of a uniformly sampled
// series, used for respiration rate from CM shape or phase traces.
package periodicity

import (
	"errors"
	"math/bits"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoPeak is returned by the peak methods of an empty spectrum.
var ErrNoPeak = errors.New("periodicity: no peak in spectrum")

// NextPowerOfTwo returns the smallest power of two >= n, and 1 for n <= 1.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// BinSpacing is the frequency resolution of a transform over n samples
// (padded to a power of two) at samplingFreq.
func BinSpacing(samplingFreq float64, n int) float64 {
	p := NextPowerOfTwo(n)
	return samplingFreq / 2 / (float64(p) / 2)
}

// Spectrum maps ascending frequencies to magnitudes. It is never modified
// after construction.
type Spectrum struct {
	freqs      []float64
	mags       []float64
	binSpacing float64
}

// Detect transforms values sampled at samplingFreq. The mean is removed and
// the series zero padded to the next power of two. The DC bin and the
// mirrored upper half are discarded, so bin k maps to k·binSpacing for
// k = 1 .. n/2-1.
func Detect(values []float64, samplingFreq float64) Spectrum {
	n := NextPowerOfTwo(len(values))
	spacing := samplingFreq / 2 / (float64(n) / 2)

	padded := make([]float64, n)
	if len(values) > 0 {
		mean := stat.Mean(values, nil)
		for i, v := range values {
			padded[i] = v - mean
		}
	}

	s := Spectrum{binSpacing: spacing}
	if n < 4 {
		return s
	}
	coeffs := fourier.NewFFT(n).Coefficients(nil, padded)
	for k := 1; k < n/2; k++ {
		s.freqs = append(s.freqs, float64(k)*spacing)
		s.mags = append(s.mags, cmplx.Abs(coeffs[k]))
	}
	return s
}

// BinSpacing returns the frequency distance between adjacent bins.
func (s Spectrum) BinSpacing() float64 { return s.binSpacing }

// Len returns the number of bins.
func (s Spectrum) Len() int { return len(s.freqs) }

// Bin returns the frequency and magnitude of bin i.
func (s Spectrum) Bin(i int) (freq, mag float64) { return s.freqs[i], s.mags[i] }

// Magnitudes returns a copy of the bin magnitudes.
func (s Spectrum) Magnitudes() []float64 { return append([]float64(nil), s.mags...) }

// Frequencies returns a copy of the bin frequencies.
func (s Spectrum) Frequencies() []float64 { return append([]float64(nil), s.freqs...) }

// Filter returns the bins with minFreq <= freq <= maxFreq.
func (s Spectrum) Filter(minFreq, maxFreq float64) Spectrum {
	lo := sort.SearchFloat64s(s.freqs, minFreq)
	hi := sort.Search(len(s.freqs), func(i int) bool { return s.freqs[i] > maxFreq })
	if hi < lo {
		hi = lo
	}
	return Spectrum{
		freqs:      append([]float64(nil), s.freqs[lo:hi]...),
		mags:       append([]float64(nil), s.mags[lo:hi]...),
		binSpacing: s.binSpacing,
	}
}

func (s Spectrum) peakIndex() (int, error) {
	if len(s.mags) == 0 {
		return 0, ErrNoPeak
	}
	return floats.MaxIdx(s.mags), nil
}

// neighbours returns the bins either side of i, substituting bin i at the
// edges.
func (s Spectrum) neighbours(i int) (lo, hi int) {
	lo, hi = i, i
	if i > 0 {
		lo = i - 1
	}
	if i < len(s.mags)-1 {
		hi = i + 1
	}
	return lo, hi
}

// Peak returns the frequency of the strongest bin.
func (s Spectrum) Peak() (float64, error) {
	i, err := s.peakIndex()
	if err != nil {
		return 0, err
	}
	return s.freqs[i], nil
}

// QuadraticPeak fits a parabola through the strongest bin and its
// neighbours and returns the frequency of its vertex.
func (s Spectrum) QuadraticPeak() (float64, error) {
	i, err := s.peakIndex()
	if err != nil {
		return 0, err
	}
	lo, hi := s.neighbours(i)
	m, l, u := s.mags[i], s.mags[lo], s.mags[hi]
	den := 2 * (2*m - l - u)
	if den == 0 {
		return s.freqs[i], nil
	}
	return s.freqs[i] + (u-l)/den*s.binSpacing, nil
}

// LinearPeak returns the magnitude weighted mean frequency of the strongest
// bin and its neighbours.
func (s Spectrum) LinearPeak() (float64, error) {
	i, err := s.peakIndex()
	if err != nil {
		return 0, err
	}
	lo, hi := s.neighbours(i)
	idx := []int{i, lo, hi}
	var num, den float64
	for _, k := range idx {
		num += s.freqs[k] * s.mags[k]
		den += s.mags[k]
	}
	if den == 0 {
		return s.freqs[i], nil
	}
	return num / den, nil
}
