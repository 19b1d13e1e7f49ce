package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

const (
	// OutcomeSuccess labels refreshes that committed a new snapshot.
	OutcomeSuccess = "success"
	// OutcomeError labels refreshes that kept the previous snapshot.
	OutcomeError = "error"
)

var (
	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdesk_stats",
			Name:      "refreshes_total",
			Help:      "Total number of refresh attempts, partitioned by category, outcome and failure kind.",
		},
		[]string{"category", "outcome", "kind"},
	)

	refreshDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "topdesk_stats",
			Name:      "refresh_seconds",
			Help:      "Refresh latency in seconds, version probe plus all count queries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15},
		},
		[]string{"category"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdesk_stats",
			Name:      "requests_total",
			Help:      "HTTP requests issued to TOPdesk, partitioned by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)
)

// Register attaches topdesk-stats collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	collectors := []prometheus.Collector{
		refreshesTotal,
		refreshDurationSeconds,
		requestsTotal,
	}
	collectors = append(collectors, extra...)

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRefresh records a refresh duration and its outcome. kind is empty on success.
func ObserveRefresh(category string, duration time.Duration, kind utils.ErrorKind) {
	outcome := OutcomeSuccess
	if kind != utils.KindNone {
		outcome = OutcomeError
	}
	refreshesTotal.WithLabelValues(category, outcome, string(kind)).Inc()
	if duration < 0 {
		duration = 0
	}
	refreshDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
}

// ObserveRequest counts one HTTP request. code is the status code or "error".
func ObserveRequest(endpoint, code string) {
	requestsTotal.WithLabelValues(endpoint, code).Inc()
}
