package dispatch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type schedulerMetrics struct {
	cycles        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	classified    *prometheus.CounterVec
	active        prometheus.Gauge
	duration      prometheus.Histogram
}

func newSchedulerMetrics(reg prometheus.Registerer) (*schedulerMetrics, error) {
	m := &schedulerMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurewatch_cycles_total",
			Help: "Number of dispatch cycles, by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurewatch_notifications_total",
			Help: "Number of webhook notifications, by result.",
		}, []string{"result"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurewatch_entities_classified_total",
			Help: "Number of entities classified, by class.",
		}, []string{"class"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featurewatch_monitoring_active",
			Help: "Whether the monitoring loop runs in this process.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "featurewatch_cycle_duration_seconds",
			Help:    "Duration of dispatch cycles.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"cycles":        m.cycles,
		"notifications": m.notifications,
		"classified":    m.classified,
		"active":        m.active,
		"duration":      m.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %v", name, err)
		}
	}

	return m, nil
}
