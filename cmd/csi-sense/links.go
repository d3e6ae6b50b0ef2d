package main

import (
	"fmt"
	"log"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/station"
	"github.com/banshee-data/csi-sense/internal/storage/sqlite"
)

// linkDeps are the shared pieces every link is built from.
type linkDeps struct {
	sender     network.Sender
	openSerial network.SerialOpener
	registry   *network.Registry
	dispatcher *network.Dispatcher
	stats      network.PacketStatsInterface
	tuning     *config.TuningConfig
}

// buildLinks creates one link per station and registers it. Serial data
// types get a SerialLink; the rest subscribe over UDP through the sender.
func buildLinks(stations []*station.Station, deps linkDeps) ([]network.Link, error) {
	links := make([]network.Link, 0, len(stations))
	for _, st := range stations {
		var (
			l   network.Link
			err error
		)
		if csi.IsSerial(st.DataType) {
			l, err = network.NewSerialLink(st, network.SerialLinkConfig{
				Open:       deps.openSerial,
				Registry:   deps.registry,
				Dispatcher: deps.dispatcher,
				Stats:      deps.stats,
				Attempts:   deps.tuning.GetSubscribeAttempts(),
				Interval:   deps.tuning.GetSubscribeInterval(),
			})
		} else {
			l, err = network.NewStationLink(st, deps.sender, network.LinkConfigFromTuning(deps.tuning))
		}
		if err != nil {
			return nil, err
		}
		if err := deps.registry.Add(l); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", st, err)
		}
		links = append(links, l)
	}
	return links, nil
}

// linkEventRecorder is implemented by *sqlite.DB.
type linkEventRecorder interface {
	RecordLinkEvent(e *sqlite.LinkEvent) error
}

// watchLinks logs every subscription state change and, when rec is set,
// records it. The returned func stops watching.
func watchLinks(links []network.Link, rec linkEventRecorder) (stop func()) {
	var cancels []func()
	for _, l := range links {
		st := l.Station()
		cancels = append(cancels, l.Status().Observe(func(old, s network.LinkStatus) {
			if old.State == s.State && old.Attempt == s.Attempt && old.Session == s.Session {
				return
			}
			if s.State == network.StateTimedOut {
				log.Printf("station %s: subscription timed out after %d attempts", st, s.Attempt)
			} else {
				log.Printf("station %s: %s (attempt %d)", st, s.State, s.Attempt)
			}
			if rec == nil {
				return
			}
			if err := rec.RecordLinkEvent(&sqlite.LinkEvent{
				HWAddress:   st.HWAddress,
				SessionID:   s.Session,
				State:       s.State.String(),
				Attempt:     s.Attempt,
				Calibration: s.Calibration,
				RecordedAt:  s.Changed,
			}); err != nil {
				log.Printf("failed to record link event for %s: %v", st, err)
			}
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
