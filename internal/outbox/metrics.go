package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillsync",
		Subsystem: "outbox",
		Name:      "entries_total",
		Help:      "Outbox entries by delivery outcome",
	}, []string{"outcome"})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tillsync",
		Subsystem: "outbox",
		Name:      "flush_duration_seconds",
		Help:      "Time to run one flush",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tillsync",
		Subsystem: "outbox",
		Name:      "pending",
		Help:      "Pending outbox entries at the last stats read",
	})

	deadGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tillsync",
		Subsystem: "outbox",
		Name:      "dead",
		Help:      "Dead-lettered outbox entries at the last stats read",
	})
)

func recordReport(r Report) {
	entriesTotal.WithLabelValues("acked").Add(float64(r.Acked))
	entriesTotal.WithLabelValues("rejected").Add(float64(r.Rejected))
	entriesTotal.WithLabelValues("retried").Add(float64(r.Retried))
	entriesTotal.WithLabelValues("dead").Add(float64(r.Dead))
}
