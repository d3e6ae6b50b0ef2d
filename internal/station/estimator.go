package station

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/csi-sense/internal/config"
)

// DistanceEstimator maps an RSSI in dBm to a distance in centimetres.
type DistanceEstimator interface {
	Estimate(rssi float64) float64
}

// LogDistanceEstimator uses the log-distance path loss model
//
//	rssi = -10·n·log10(d) - A  =>  d = 10^((rssi + A) / (-10·n))
//
// with d in metres. RefRSSI is A, the negated RSSI at one metre.
type LogDistanceEstimator struct {
	RefRSSI          float64
	PathLossExponent float64
}

// Estimate returns the modelled distance in cm.
func (e LogDistanceEstimator) Estimate(rssi float64) float64 {
	return math.Pow(10, (rssi+e.RefRSSI)/(-10*e.PathLossExponent)) * 100
}

func (e LogDistanceEstimator) String() string {
	return fmt.Sprintf("log-distance A=%.0f n=%.1f", e.RefRSSI, e.PathLossExponent)
}

type step struct {
	rssi, dist float64
}

// InterpolationEstimator interpolates linearly between measured
// (rssi, distance) points and clamps outside the measured range.
type InterpolationEstimator struct {
	steps []step // ascending rssi
}

// DefaultInterpolationTable was measured indoors with the stock router set.
var DefaultInterpolationTable = [][2]float64{
	{0, 1},
	{-24, 30},
	{-33, 100},
	{-39, 150},
	{-42, 220},
	{-47, 270},
	{-49, 330},
	{-53, 400},
	{-56, 500},
	{-60, 580},
	{-67, 660},
	{-70, 750},
}

// NewInterpolationEstimator builds an estimator from (rssi dBm, cm) pairs.
// Duplicate RSSI levels keep the last pair.
func NewInterpolationEstimator(table [][2]float64) (*InterpolationEstimator, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("interpolation table is empty")
	}
	byLevel := make(map[float64]float64, len(table))
	for _, p := range table {
		byLevel[p[0]] = p[1]
	}
	steps := make([]step, 0, len(byLevel))
	for r, d := range byLevel {
		steps = append(steps, step{rssi: r, dist: d})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].rssi < steps[j].rssi })
	return &InterpolationEstimator{steps: steps}, nil
}

// Estimate returns the interpolated distance in cm.
func (e *InterpolationEstimator) Estimate(rssi float64) float64 {
	s := e.steps
	i := sort.Search(len(s), func(i int) bool { return s[i].rssi >= rssi })
	switch {
	case i == len(s):
		return s[len(s)-1].dist
	case s[i].rssi == rssi || i == 0:
		return s[i].dist
	}
	lo, hi := s[i-1], s[i]
	pct := (rssi - lo.rssi) / (hi.rssi - lo.rssi)
	return lo.dist + (hi.dist-lo.dist)*pct
}

func (e *InterpolationEstimator) String() string {
	return fmt.Sprintf("linear interpolation, %d steps", len(e.steps))
}

// Default log-distance parameters when a station does not override them.
const (
	DefaultRefRSSI          = 40
	DefaultPathLossExponent = 2.0
)

// EstimatorFromConfig builds the estimator described by cfg. A nil cfg
// selects the default interpolation table.
func EstimatorFromConfig(cfg *config.EstimatorConfig) (DistanceEstimator, error) {
	if cfg == nil {
		return NewInterpolationEstimator(DefaultInterpolationTable)
	}
	switch cfg.Type {
	case "log_distance":
		e := LogDistanceEstimator{RefRSSI: DefaultRefRSSI, PathLossExponent: DefaultPathLossExponent}
		if cfg.RefRSSI != nil {
			e.RefRSSI = *cfg.RefRSSI
		}
		if cfg.PathLossExponent != nil {
			e.PathLossExponent = *cfg.PathLossExponent
		}
		if e.PathLossExponent == 0 {
			return nil, fmt.Errorf("path_loss_exponent must not be zero")
		}
		return e, nil
	case "interpolation":
		table := cfg.Table
		if len(table) == 0 {
			table = DefaultInterpolationTable
		}
		return NewInterpolationEstimator(table)
	}
	return nil, fmt.Errorf("unknown estimator type %q", cfg.Type)
}
