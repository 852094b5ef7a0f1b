package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	outcomeDone    = "done"
	outcomeFailed  = "failed"
	outcomeUnknown = "unknown"
)

var (
	conversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertmodel_conversions_total",
			Help: "Total number of conversion requests handled by dispatchers.",
		},
		[]string{"operation", "outcome"},
	)

	conversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertmodel_conversion_duration_seconds",
			Help:    "Engine call duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(conversionsTotal)
	prometheus.MustRegister(conversionDuration)
}

// operationLabel bounds label cardinality for unrecognized tags.
func operationLabel(op Operation) string {
	if op.Known() {
		return string(op)
	}
	return outcomeUnknown
}
