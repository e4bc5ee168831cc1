package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	pending       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "engine",
			Name:      "cache_hits_total",
			Help:      "Reads answered from the cache store.",
		}, []string{"kind"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "engine",
			Name:      "cache_misses_total",
			Help:      "Reads that needed a fetch.",
		}, []string{"kind"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "engine",
			Name:      "fetch_outcomes_total",
			Help:      "Fetch results by outcome and reason.",
		}, []string{"kind", "outcome", "reason"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "engine",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent in fetch strategies.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		pending: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "engine",
			Name:      "pending_total",
			Help:      "Reads answered as pending.",
		}, []string{"kind"}),
	}
}
