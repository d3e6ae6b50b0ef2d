package pipeline

import (
	"math"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/csi-sense/internal/httputil"
)

type stationView struct {
	HWAddress  string     `json:"hw_address"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	RSSI       float64    `json:"rssi"`
	Readings   int        `json:"readings"`
	DistanceCm *float64   `json:"distance_cm,omitempty"`
	Motion     *Activity  `json:"motion,omitempty"`
	Stats      ChainStats `json:"stats"`
}

type sensingView struct {
	Estimate    *PositionView `json:"estimate,omitempty"`
	Periodicity *Periodicity  `json:"periodicity,omitempty"`
	Stations    []stationView `json:"stations"`
}

func (p *Pipeline) view() sensingView {
	stats := p.Stats()
	v := sensingView{Stations: make([]stationView, 0, len(p.stations))}
	if e, ok := p.LastEstimate(); ok {
		pv := e.View()
		v.Estimate = &pv
	}
	if r := p.periodicity.Get(); !r.At.IsZero() {
		v.Periodicity = &r
	}
	for _, st := range p.stations {
		pos := st.Position()
		sv := stationView{
			HWAddress: st.HWAddress,
			X:         pos.X,
			Y:         pos.Y,
			RSSI:      st.RSSI(),
			Readings:  st.RSSIHistoryLen(),
			Stats:     stats[st.HWAddress],
		}
		if a, ok := p.lastActivity(st.HWAddress); ok {
			sv.Motion = &a
		}
		if st.Estimator != nil && sv.Readings > 0 {
			if d := st.Distance(); !math.IsInf(d, 0) && !math.IsNaN(d) {
				sv.DistanceCm = &d
			}
		}
		v.Stations = append(v.Stations, sv)
	}
	return v
}

func (p *Pipeline) lastActivity(hw string) (Activity, bool) {
	c, ok := p.chains[hw]
	if !ok {
		return Activity{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motion, !c.motion.At.IsZero()
}

// AttachAdminRoutes mounts the current sensing state under /debug/ on mux.
func (p *Pipeline) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("sensing", "Latest position, periodicity and per-station state and motion (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, p.view())
	})
}
