// Package trilateration estimates a position from per-station distance
// estimates by scoring a regular grid over the room.
package trilateration

import "math"

// DefaultStep is the grid spacing in centimetres.
const DefaultStep = 10.0

// Point is a position in room coordinates (cm).
type Point struct {
	X, Y float64
}

// Dist returns the euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Anchor is a station with a known position and a current distance estimate.
type Anchor struct {
	Position Point
	Distance float64
}

// Room is the search extent, starting at the origin.
type Room struct {
	Width, Height float64
}

// Trilaterator performs a grid search over a room.
type Trilaterator struct {
	Step float64
}

// New returns a Trilaterator with the given step, falling back to DefaultStep
// for non-positive values.
func New(step float64) *Trilaterator {
	if step <= 0 {
		step = DefaultStep
	}
	return &Trilaterator{Step: step}
}

// Score is the product over anchors of min(est, sample)/max(est, sample),
// where sample is the distance from p to the anchor. Each factor lies in
// [0, 1], so a single wild estimate can pull the score down but never blow
// it up. Two zero distances count as a perfect match.
func Score(p Point, anchors []Anchor) float64 {
	acc := 1.0
	for _, a := range anchors {
		d := p.Dist(a.Position)
		est := a.Distance
		switch {
		case d == est:
			// includes both zero
		case d > est:
			acc *= est / d
		default:
			acc *= d / est
		}
	}
	return acc
}

// Estimate scans x in [0, Width) as the outer loop and y in [0, Height) as
// the inner loop, returning the first point with the highest positive score.
// It reports false when the grid is empty or no point scores above zero.
func (t *Trilaterator) Estimate(room Room, anchors []Anchor) (Point, bool) {
	step := t.Step
	if step <= 0 {
		step = DefaultStep
	}

	var (
		best      Point
		bestScore float64
		found     bool
	)
	for ix := 0; float64(ix)*step < room.Width; ix++ {
		x := float64(ix) * step
		for iy := 0; float64(iy)*step < room.Height; iy++ {
			p := Point{X: x, Y: float64(iy) * step}
			if s := Score(p, anchors); s > bestScore {
				best, bestScore, found = p, s, true
			}
		}
	}
	return best, found
}
