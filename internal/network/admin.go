package network

import (
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/csi-sense/internal/httputil"
)

// LinkView is the admin representation of one link.
type LinkView struct {
	HWAddress   string      `json:"hw_address"`
	Name        string      `json:"name,omitempty"`
	Address     string      `json:"address"`
	DataType    string      `json:"data_type"`
	State       string      `json:"state"`
	Attempt     int         `json:"attempt"`
	Session     string      `json:"session,omitempty"`
	Calibration *[3]float32 `json:"calibration,omitempty"`
	Changed     time.Time   `json:"changed"`
}

// Views snapshots every registered link, sorted by hardware address.
func (r *Registry) Views() []LinkView {
	links := r.Links()
	out := make([]LinkView, 0, len(links))
	for _, l := range links {
		st := l.Station()
		s := l.Status().Get()
		out = append(out, LinkView{
			HWAddress:   st.HWAddress,
			Name:        st.Name,
			Address:     st.Address,
			DataType:    st.DataType,
			State:       s.State.String(),
			Attempt:     s.Attempt,
			Session:     s.Session,
			Calibration: s.Calibration,
			Changed:     s.Changed,
		})
	}
	return out
}

// AttachAdminRoutes mounts the link status listing under /debug/ on mux.
func (r *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("links", "Station links and subscription state (JSON)", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSONOK(w, r.Views())
	})
}
