package pipeline

import "time"

// series is a sliding window of timestamped scalar samples.
type series struct {
	values []float64
	times  []time.Time
	size   int
	// fresh counts samples added since the last estimate.
	fresh int
}

func newSeries(size int) *series {
	return &series{size: size}
}

func (s *series) add(v float64, at time.Time) {
	s.values = append(s.values, v)
	s.times = append(s.times, at)
	if len(s.values) > s.size {
		drop := len(s.values) - s.size
		s.values = append(s.values[:0], s.values[drop:]...)
		s.times = append(s.times[:0], s.times[drop:]...)
	}
	s.fresh++
}

// due reports whether the window is full and hop samples arrived since the
// last estimate.
func (s *series) due(hop int) bool {
	return len(s.values) == s.size && s.fresh >= hop
}

// samplingFreq estimates the sample rate from the window's timestamps.
func (s *series) samplingFreq() float64 {
	if len(s.times) < 2 {
		return 0
	}
	d := s.times[len(s.times)-1].Sub(s.times[0]).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(len(s.times)-1) / d
}

func (s *series) snapshot() []float64 {
	return append([]float64(nil), s.values...)
}

func (s *series) last() time.Time {
	if len(s.times) == 0 {
		return time.Time{}
	}
	return s.times[len(s.times)-1]
}
