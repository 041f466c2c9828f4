package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsTotal counts ingested events by outcome (accepted, duplicate, rejected).
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillsync",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingested events by outcome",
	}, []string{"outcome"})

	// rejectedTotal counts rejections by error code.
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillsync",
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Rejected events by code",
	}, []string{"code"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tillsync",
		Subsystem: "ingest",
		Name:      "conflicts_total",
		Help:      "Conflict records opened or updated",
	})

	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tillsync",
		Subsystem: "ingest",
		Name:      "batch_failures_total",
		Help:      "Batches aborted by a durability failure",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tillsync",
		Subsystem: "ingest",
		Name:      "batch_duration_seconds",
		Help:      "Time to ingest one batch",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)

func recordResult(res Result) {
	eventsTotal.WithLabelValues("accepted").Add(float64(len(res.Accepted) - len(res.Duplicates)))
	eventsTotal.WithLabelValues("duplicate").Add(float64(len(res.Duplicates)))
	eventsTotal.WithLabelValues("rejected").Add(float64(len(res.Rejected)))
	for _, r := range res.Rejected {
		rejectedTotal.WithLabelValues(string(r.Code)).Inc()
	}
	conflictsTotal.Add(float64(len(res.Conflicts)))
}
