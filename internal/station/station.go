// Package station models a sensing station: its identity, where it is, how
// its frames are decoded and its smoothed RSSI.
package station

import (
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/trilateration"
)

// DefaultRSSIHistory is the number of RSSI readings averaged.
const DefaultRSSIHistory = 30

// InitialRSSI is reported before any reading has arrived.
const InitialRSSI = -100.0

// Station is shared by pointer between the link, the processing pipeline
// and the trilaterator. Identity fields are set at construction and never
// change.
type Station struct {
	HWAddress string
	Address   string
	Name      string
	DataType  string
	Estimator DistanceEstimator

	position *Subject[trilateration.Point]
	rssi     *Subject[float64]

	mu      sync.Mutex
	history []float64
	maxLen  int
}

// New constructs a Station. historyLen bounds the RSSI FIFO; non-positive
// values select DefaultRSSIHistory.
func New(hwAddress, address, dataType string, pos trilateration.Point, est DistanceEstimator, historyLen int) *Station {
	if historyLen <= 0 {
		historyLen = DefaultRSSIHistory
	}
	return &Station{
		HWAddress: strings.ToLower(hwAddress),
		Address:   address,
		DataType:  dataType,
		Estimator: est,
		position:  NewSubject(pos),
		rssi:      NewSubject(InitialRSSI),
		maxLen:    historyLen,
	}
}

// FromConfig builds the stations of a topology in declaration order.
func FromConfig(topo *config.Topology, historyLen int) ([]*Station, error) {
	out := make([]*Station, 0, len(topo.Stations))
	for _, sc := range topo.Stations {
		est, err := EstimatorFromConfig(sc.Estimator)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", sc.HWAddress, err)
		}
		s := New(sc.HWAddress, sc.Address, sc.DataType,
			trilateration.Point{X: sc.Position.X, Y: sc.Position.Y}, est, historyLen)
		s.Name = sc.Name
		out = append(out, s)
	}
	return out, nil
}

func (s *Station) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%s)", s.Name, s.HWAddress)
	}
	return s.HWAddress
}

// AddRSSI appends a reading and returns the new smoothed RSSI, the mean of
// the retained history.
func (s *Station) AddRSSI(v float64) float64 {
	s.mu.Lock()
	s.history = append(s.history, v)
	if len(s.history) > s.maxLen {
		s.history = append(s.history[:0], s.history[len(s.history)-s.maxLen:]...)
	}
	var sum float64
	for _, h := range s.history {
		sum += h
	}
	mean := sum / float64(len(s.history))
	s.mu.Unlock()

	s.rssi.Set(mean)
	return mean
}

// RSSI returns the smoothed RSSI.
func (s *Station) RSSI() float64 { return s.rssi.Get() }

// LastRSSI returns the most recent raw reading, or InitialRSSI before the
// first one.
func (s *Station) LastRSSI() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return InitialRSSI
	}
	return s.history[len(s.history)-1]
}

// RSSIHistoryLen returns how many readings are currently averaged.
func (s *Station) RSSIHistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// RSSIProperty exposes the smoothed RSSI for observers.
func (s *Station) RSSIProperty() *Subject[float64] { return s.rssi }

// Position returns the station's position.
func (s *Station) Position() trilateration.Point { return s.position.Get() }

// SetPosition updates an estimated position.
func (s *Station) SetPosition(p trilateration.Point) { s.position.Set(p) }

// PositionProperty exposes the position for observers.
func (s *Station) PositionProperty() *Subject[trilateration.Point] { return s.position }

// Distance estimates the distance in cm from the smoothed RSSI. It returns 0
// for stations without an estimator.
func (s *Station) Distance() float64 {
	if s.Estimator == nil {
		return 0
	}
	return s.Estimator.Estimate(s.RSSI())
}

// Anchor returns the station as a trilateration input.
func (s *Station) Anchor() trilateration.Anchor {
	return trilateration.Anchor{Position: s.Position(), Distance: s.Distance()}
}
