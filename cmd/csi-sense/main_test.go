package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/storage/sqlite"
	"github.com/banshee-data/csi-sense/internal/trilateration"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":9381", *listen)
	assert.Equal(t, "room.json", *topologyPath)
	assert.Equal(t, "csi_results.db", *dbPath)
	assert.Empty(t, *recordDir)
	assert.Equal(t, time.Minute, *statsEvery)
	assert.Empty(t, *mqttBroker, "MQTT publishing is opt-in")
	assert.Equal(t, "csi-sense", *mqttTopic)
	assert.Zero(t, *mqttQoS)
}

func testStations() []*station.Station {
	return []*station.Station{
		station.New("aa:bb:cc:dd:ee:01", "10.0.0.5", csi.DataTypeAtheros, trilateration.Point{}, nil, 0),
		station.New("aa:bb:cc:dd:ee:02", "/dev/ttyUSB0", csi.DataTypeESP32, trilateration.Point{X: 100}, nil, 0),
	}
}

func TestBuildLinks(t *testing.T) {
	reg := network.NewRegistry()
	links, err := buildLinks(testStations(), linkDeps{
		sender:   network.NewMockUDPSocket(),
		registry: reg,
		tuning:   config.DefaultTuningConfig(),
	})
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.IsType(t, &network.StationLink{}, links[0])
	assert.IsType(t, &network.SerialLink{}, links[1])
	assert.Equal(t, 2, reg.Len())

	// A second registration of the same stations is rejected.
	_, err = buildLinks(testStations(), linkDeps{
		sender:   network.NewMockUDPSocket(),
		registry: reg,
		tuning:   config.DefaultTuningConfig(),
	})
	assert.Error(t, err)
}

func TestWatchLinks_RecordsStateChanges(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer db.Close()

	links, err := buildLinks(testStations(), linkDeps{
		sender:   network.NewMockUDPSocket(),
		registry: network.NewRegistry(),
		tuning:   config.DefaultTuningConfig(),
	})
	require.NoError(t, err)
	stop := watchLinks(links, db)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	status := links[0].Status()
	status.Set(network.LinkStatus{State: network.StateSubscribing, Attempt: 1, Session: "s1", Changed: at})
	status.Set(network.LinkStatus{State: network.StateSubscribing, Attempt: 1, Session: "s1", Changed: at})
	status.Set(network.LinkStatus{
		State:       network.StateConfirmed,
		Attempt:     1,
		Session:     "s1",
		Calibration: &[3]float32{0.1, 0.2, 9.8},
		Changed:     at.Add(time.Second),
	})
	stop()
	status.Set(network.LinkStatus{State: network.StateUnsubscribed, Session: "s1", Changed: at.Add(2 * time.Second)})

	events, err := db.LinkEvents("aa:bb:cc:dd:ee:01", 10)
	require.NoError(t, err)
	require.Len(t, events, 2, "repeated status and changes after stop are not recorded")
	assert.Equal(t, "confirmed", events[0].State)
	assert.Equal(t, &[3]float32{0.1, 0.2, 9.8}, events[0].Calibration)
	assert.Equal(t, "subscribing", events[1].State)
	assert.Equal(t, "s1", events[1].SessionID)
}

func TestWatchLinks_WithoutRecorder(t *testing.T) {
	links, err := buildLinks(testStations()[1:], linkDeps{registry: network.NewRegistry()})
	require.NoError(t, err)
	stop := watchLinks(links, nil)
	defer stop()
	links[0].Status().Set(network.LinkStatus{State: network.StateTimedOut, Attempt: 5})
	assert.Equal(t, network.StateTimedOut, links[0].State())
}
