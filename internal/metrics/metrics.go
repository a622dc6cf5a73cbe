package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Document outcomes within a cycle
const (
	OutcomeImported  = "imported"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Cycles           *prometheus.CounterVec
	Documents        *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	PendingDocuments prometheus.Gauge
	Accepted         prometheus.Counter
	Ignored          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_inbox_cycles_total",
			Help: "Total number of ingestion cycles by outcome",
		}, []string{"outcome"}),
		Documents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_inbox_documents_total",
			Help: "Total number of fetched documents by outcome",
		}, []string{"outcome"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_inbox_fetch_errors_total",
			Help: "Total number of failed batch requests by reason",
		}, []string{"reason"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fiscal_inbox_cycle_duration_seconds",
			Help:    "Time spent running ingestion cycles",
			Buckets: prometheus.DefBuckets,
		}),
		PendingDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fiscal_inbox_pending_documents",
			Help: "Number of documents awaiting a reconciliation decision",
		}),
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fiscal_inbox_documents_accepted_total",
			Help: "Total number of documents turned into payable obligations",
		}),
		Ignored: factory.NewCounter(prometheus.CounterOpts{
			Name: "fiscal_inbox_documents_ignored_total",
			Help: "Total number of documents ignored by an operator",
		}),
	}
}
