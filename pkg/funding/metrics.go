package funding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	collectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "perparb",
		Subsystem: "funding",
		Name:      "collect_duration_seconds",
		Help:      "Wall time of one venue's funding/market fetch.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"venue"})

	collectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "funding",
		Name:      "collect_errors_total",
		Help:      "Collection failures by venue and kind.",
	}, []string{"venue", "kind"})

	samplesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "funding",
		Name:      "samples_total",
		Help:      "Funding samples persisted per venue.",
	}, []string{"venue"})
)
