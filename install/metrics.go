package install

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the install coordinator.
type Metrics struct {
	Installs       *prometheus.CounterVec
	InstallSeconds *prometheus.HistogramVec
	AutoRegistered *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeit",
			Name:      "capability_installs_total",
			Help:      "Capability installer invocations by outcome",
		}, []string{"capability", "result"}),
		InstallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forgeit",
			Name:      "capability_install_duration_seconds",
			Help:      "Time spent in capability installers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		AutoRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgeit",
			Name:      "whitelist_auto_registered_total",
			Help:      "Capabilities added to the whitelist at first use",
		}, []string{"capability"}),
	}
	if reg != nil {
		reg.MustRegister(m.Installs, m.InstallSeconds, m.AutoRegistered)
	}
	return m
}

func (m *Metrics) observe(capability, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Installs.WithLabelValues(capability, result).Inc()
	m.InstallSeconds.WithLabelValues(capability).Observe(d.Seconds())
}

func (m *Metrics) autoRegistered(capability string) {
	if m == nil {
		return
	}
	m.AutoRegistered.WithLabelValues(capability).Inc()
}
