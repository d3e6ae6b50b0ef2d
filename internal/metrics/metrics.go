// Package metrics exports receive, link and sensing state to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/pipeline"
)

const namespace = "csi"

// Metrics owns a registry so several instances can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	packets      prometheus.Counter
	bytes        prometheus.Counter
	dropped      prometheus.Counter
	decodeErrors prometheus.Counter
	frames       prometheus.Counter

	linkState    *prometheus.GaugeVec // hw
	linkAttempts *prometheus.GaugeVec // hw

	periodicityHz *prometheus.GaugeVec // hw, source
	estimates     prometheus.Counter
	position      *prometheus.GaugeVec // axis
	positionScore prometheus.Gauge
	rssi          *prometheus.GaugeVec // hw
	motionLevel   *prometheus.GaugeVec // hw
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		packets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Datagrams and serial lines received from stations.",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Bytes received from stations.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Packets or frames discarded before reaching consumers.",
		}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Payloads rejected by the station decoder.",
		}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Decoded frames handed to consumers.",
		}),
		linkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_state",
			Help: "Subscription state per station: 0 unsubscribed, 1 subscribing, 2 confirmed, 3 timed out.",
		}, []string{"hw"}),
		linkAttempts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_subscribe_attempt",
			Help: "SUBSCRIBE attempt of the current session per station.",
		}, []string{"hw"}),
		periodicityHz: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "periodicity_hz",
			Help: "Latest dominant frequency per station and source.",
		}, []string{"hw", "source"}),
		estimates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "position_estimates_total",
			Help: "Trilaterated position estimates.",
		}),
		position: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "position_cm",
			Help: "Latest estimated position in room coordinates.",
		}, []string{"axis"}),
		positionScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "position_score",
			Help: "Score of the latest position estimate.",
		}),
		rssi: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rssi_dbm",
			Help: "Smoothed RSSI per station.",
		}, []string{"hw"}),
		motionLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "motion_level",
			Help: "Latest mean phase-difference variance per station; higher means more movement.",
		}, []string{"hw"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// AttachAdminRoutes serves the registry at /metrics and lists it under
// /debug/.
func (m *Metrics) AttachAdminRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
	tsweb.Debugger(mux).URL("/metrics", "Prometheus metrics")
}

// PacketStats returns a stats collector feeding these counters and then
// inner, which may be nil.
func (m *Metrics) PacketStats(inner network.PacketStatsInterface) network.PacketStatsInterface {
	return &packetStats{m: m, inner: inner}
}

type packetStats struct {
	m     *Metrics
	inner network.PacketStatsInterface
}

func (s *packetStats) AddPacket(bytes int) {
	s.m.packets.Inc()
	s.m.bytes.Add(float64(bytes))
	if s.inner != nil {
		s.inner.AddPacket(bytes)
	}
}

func (s *packetStats) AddDropped() {
	s.m.dropped.Inc()
	if s.inner != nil {
		s.inner.AddDropped()
	}
}

func (s *packetStats) AddDecodeError() {
	s.m.decodeErrors.Inc()
	if s.inner != nil {
		s.inner.AddDecodeError()
	}
}

func (s *packetStats) AddFrame() {
	s.m.frames.Inc()
	if s.inner != nil {
		s.inner.AddFrame()
	}
}

func (s *packetStats) LogStats() {
	if s.inner != nil {
		s.inner.LogStats()
	}
}

// ObserveLinks tracks the state of every link. The returned func stops.
func (m *Metrics) ObserveLinks(links []network.Link) (stop func()) {
	var cancels []func()
	for _, l := range links {
		hw := l.Station().HWAddress
		set := func(s network.LinkStatus) {
			m.linkState.WithLabelValues(hw).Set(float64(s.State))
			m.linkAttempts.WithLabelValues(hw).Set(float64(s.Attempt))
		}
		set(l.Status().Get())
		cancels = append(cancels, l.Status().Observe(func(_, s network.LinkStatus) { set(s) }))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// ObservePipeline tracks periodicity results, motion levels, position
// estimates and the RSSI of the pipeline's stations. The returned func stops.
func (m *Metrics) ObservePipeline(p *pipeline.Pipeline) (stop func()) {
	cancels := []func(){p.Subscribe(func(e pipeline.Event) {
		switch e.Kind {
		case pipeline.EventPeriodicity:
			r := e.Periodicity
			m.periodicityHz.WithLabelValues(r.Station, r.Source).Set(r.FrequencyHz)
		case pipeline.EventActivity:
			m.motionLevel.WithLabelValues(e.Activity.Station).Set(e.Activity.Level)
		case pipeline.EventPosition:
			m.estimates.Inc()
			m.position.WithLabelValues("x").Set(e.Position.X)
			m.position.WithLabelValues("y").Set(e.Position.Y)
			m.positionScore.Set(e.Position.Score)
		}
	})}
	for _, st := range p.Stations() {
		hw := st.HWAddress
		cancels = append(cancels, st.RSSIProperty().Observe(func(_, v float64) {
			m.rssi.WithLabelValues(hw).Set(v)
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
