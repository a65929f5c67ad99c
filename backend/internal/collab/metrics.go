package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	putsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_puts_total",
		Help: "PUTs handled, by result.",
	}, []string{"result"})

	subscribersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "braid_subscribers",
		Help: "Active subscriptions, by merge type.",
	}, []string{"merge_type"})

	resourcesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "braid_resources",
		Help: "Resources currently hydrated in memory.",
	})

	rebasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "braid_simpleton_rebases_total",
		Help: "Rebased updates sent to simpleton subscribers.",
	})

	putLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "braid_put_duration_seconds",
		Help:    "Time from PUT admission to fan-out completion.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

func putResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isClientError(err):
		return "rejected"
	default:
		return "error"
	}
}
