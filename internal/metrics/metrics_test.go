package metrics

import (
	"io"
	"math"
	"math/cmplx"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/pipeline"
	"github.com/banshee-data/csi-sense/internal/processing"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/trilateration"
)

const (
	hwA = "aa:bb:cc:dd:ee:01"
	hwB = "aa:bb:cc:dd:ee:02"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPacketStats(t *testing.T) {
	m := New()
	inner := network.NewPacketStats()
	ps := m.PacketStats(inner)
	ps.AddPacket(100)
	ps.AddPacket(50)
	ps.AddFrame()
	ps.AddDropped()
	ps.AddDecodeError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packets))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))

	s := inner.GetAndReset()
	assert.Equal(t, int64(2), s.Packets)
	assert.Equal(t, int64(150), s.Bytes)

	// A nil inner collector only feeds the counters.
	m.PacketStats(nil).AddFrame()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames))
}

func TestObserveLinks(t *testing.T) {
	m := New()
	st := station.New(hwA, "10.0.0.5", csi.DataTypeAtheros, trilateration.Point{}, nil, 0)
	l, err := network.NewStationLink(st, network.NewMockUDPSocket(), network.LinkConfig{})
	require.NoError(t, err)

	stop := m.ObserveLinks([]network.Link{l})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.linkState.WithLabelValues(hwA)))

	l.Status().Set(network.LinkStatus{State: network.StateSubscribing, Attempt: 3})
	assert.Equal(t, float64(network.StateSubscribing), testutil.ToFloat64(m.linkState.WithLabelValues(hwA)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.linkAttempts.WithLabelValues(hwA)))

	stop()
	l.Status().Set(network.LinkStatus{State: network.StateConfirmed, Attempt: 3})
	assert.Equal(t, float64(network.StateSubscribing), testutil.ToFloat64(m.linkState.WithLabelValues(hwA)))
}

func TestObservePipeline(t *testing.T) {
	model := station.LogDistanceEstimator{RefRSSI: 40, PathLossExponent: 2}
	stations := []*station.Station{
		station.New(hwA, "10.0.0.5", csi.DataTypeAtheros, trilateration.Point{X: 0, Y: 0}, model, 0),
		station.New(hwB, "10.0.0.6", csi.DataTypeAtheros, trilateration.Point{X: 400, Y: 0}, model, 0),
	}
	p := pipeline.New(stations, trilateration.Room{Width: 400, Height: 300}, pipeline.Config{
		Pair:           processing.Pair{Rx1: 0, Tx1: 0, Rx2: 1, Tx2: 0},
		CM:             processing.DefaultConfig(),
		Window:         128,
		Hop:            128,
		MinFreq:        0.1,
		MaxFreq:        1.0,
		GridStep:       10,
		LocateInterval: time.Second,
		ActivityWindow: 2,
		ActivityPair:   processing.Pair{Rx1: 0, Tx1: 0, Rx2: 1, Tx2: 0},
	})

	m := New()
	stop := m.ObservePipeline(p)
	defer stop()

	for i := range 128 {
		at := t0.Add(time.Duration(i) * 50 * time.Millisecond)
		z := 9.81 + 0.5*math.Sin(2*math.Pi*0.5*at.Sub(t0).Seconds())
		p.Handle(hwB, &csi.AccelerationFrame{Received: at, ID: int32(i), Values: [3]float32{0, 0, float32(z)}})
	}
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.periodicityHz.WithLabelValues(hwB, pipeline.SourceAcceleration)), 0.05)

	frameAt := func(at time.Time, shift float64) *csi.CSIFrame {
		mat := csi.NewMatrix(2, 1, 30)
		for s := range 30 {
			mat[0][0][s] = cmplx.Rect(1, 0.1*float64(s)+shift)
			mat[1][0][s] = 1
		}
		return &csi.CSIFrame{
			Received: at,
			M:        mat,
			St:       csi.Status{Rx: 2, Tx: 1, NumTones: 30, RSSI: -48},
		}
	}
	p.Handle(hwA, frameAt(t0.Add(10*time.Second), 0))
	assert.Equal(t, -48.0, testutil.ToFloat64(m.rssi.WithLabelValues(hwA)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.estimates))
	assert.Greater(t, testutil.ToFloat64(m.positionScore), 0.0)

	// Two frames whose phase difference moved by 0.2 rad fill the window.
	p.Handle(hwA, frameAt(t0.Add(10*time.Second+50*time.Millisecond), 0.2))
	assert.InDelta(t, 0.01, testutil.ToFloat64(m.motionLevel.WithLabelValues(hwA)), 1e-9)
}

func TestAttachAdminRoutes(t *testing.T) {
	m := New()
	m.PacketStats(nil).AddPacket(10)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "csi_packets_received_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
