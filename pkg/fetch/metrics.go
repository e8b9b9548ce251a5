package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchesStarted counts Start outcomes by mode
	fetchesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_fetch_started_total",
			Help: "Total number of fetch requests by resulting mode",
		},
		[]string{"mode"}, // "join", "fresh", "append"
	)

	// fetchesActive tracks running paging loops
	fetchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "setlist_fetch_active",
			Help: "Number of fetch coordinators currently paging",
		},
	)

	// staleReclaimed counts abandoned in-progress subjects that were purged
	staleReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_fetch_stale_reclaimed_total",
			Help: "Total number of stale in-progress artists purged and refetched",
		},
	)

	// pagesFetched counts upstream pages processed
	pagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_fetch_pages_total",
			Help: "Total number of setlist pages processed by coordinators",
		},
	)

	// recordsFetched counts new records persisted and broadcast
	recordsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_fetch_records_total",
			Help: "Total number of new records persisted and broadcast",
		},
	)

	// fetchesCompleted counts finished fetches by result
	fetchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_fetch_completed_total",
			Help: "Total number of finished fetches by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	// fetchDuration tracks time from start to goodbye
	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "setlist_fetch_duration_seconds",
			Help:    "Duration of a fetch from first page to goodbye",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)
