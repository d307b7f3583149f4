package exchange

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the per-engine collectors. Every series carries the rank of
// the process so several in-process ranks can share a registry.
type metrics struct {
	updates      *prometheus.CounterVec
	pairs        prometheus.Counter
	pruned       prometheus.Counter
	duration     *prometheus.HistogramVec
	pairsPerStep prometheus.Histogram
	energy       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, rank int) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	return &metrics{
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "exx_updates_total",
			Help:        "Exchange updates by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		pairs: f.NewCounter(prometheus.CounterOpts{
			Name:        "exx_pairs_evaluated_total",
			Help:        "Orbital pairs whose pair density was evaluated",
			ConstLabels: labels,
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name:        "exx_pairs_pruned_total",
			Help:        "Orbital pairs skipped by the overlap test",
			ConstLabels: labels,
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "exx_update_duration_seconds",
			Help:        "Exchange update duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			ConstLabels: labels,
		}, []string{"kind"}),
		pairsPerStep: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "exx_pairs_per_step",
			Help:        "Pairs evaluated per rotation step",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 14),
			ConstLabels: labels,
		}),
		energy: f.NewGauge(prometheus.GaugeOpts{
			Name:        "exx_energy_hartree",
			Help:        "Last exchange energy",
			ConstLabels: labels,
		}),
	}
}
