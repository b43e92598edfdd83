package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessageProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsheet_message_processed_count",
			Help: "Total messages terminally marked, by aggregate result",
		},
		[]string{"result"}, // success, partial_failure, skipped
	)

	ConfigOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsheet_config_outcome_count",
			Help: "Per-destination reconciliation outcomes",
		},
		[]string{"outcome"}, // appended, updated, skipped, error
	)

	ExtractionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadsheet_extraction_latency_ms",
			Help:    "LLM extraction call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"model", "status"},
	)

	SheetCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadsheet_sheet_call_latency_ms",
			Help:    "Destination table call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"op", "status"},
	)

	CredentialRefreshCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsheet_credential_refresh_count",
			Help: "OAuth refresh attempts by result",
		},
		[]string{"result"}, // success, terminal, transient
	)
)

func RecordExtractionLatency(model, status string, d time.Duration) {
	ExtractionLatency.WithLabelValues(model, status).Observe(float64(d.Milliseconds()))
}

func RecordSheetCallLatency(op, status string, d time.Duration) {
	SheetCallLatency.WithLabelValues(op, status).Observe(float64(d.Milliseconds()))
}

func IncrementMessageProcessed(result string) {
	MessageProcessedCount.WithLabelValues(result).Inc()
}

func IncrementConfigOutcome(outcome string) {
	ConfigOutcomeCount.WithLabelValues(outcome).Inc()
}

func IncrementCredentialRefresh(result string) {
	CredentialRefreshCount.WithLabelValues(result).Inc()
}
