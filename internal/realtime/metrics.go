package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the live-channel counters exported on /metrics.
type Metrics struct {
	Connections prometheus.Gauge
	Commands    *prometheus.CounterVec
	Published   prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotportal_live_connections",
			Help: "Number of live connections currently registered.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotportal_live_commands_total",
			Help: "Group commands received from live connections.",
		}, []string{"command"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotportal_live_published_total",
			Help: "Measurements fanned out to live connections.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotportal_live_delivered_total",
			Help: "Measurement frames queued for a live connection.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotportal_live_dropped_total",
			Help: "Measurement frames not queued, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Commands, m.Published, m.Delivered, m.Dropped)
	}
	return m
}
