package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RawEventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_raw_events_processed_total",
			Help: "Raw events run through the enrichment chain",
		},
		[]string{"outcome"},
	)

	ExtractionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_extraction_failures_total",
			Help: "Content extraction failures by kind",
		},
		[]string{"kind"},
	)

	ExtractionStrategyUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_extraction_strategy_total",
			Help: "Successful extractions by strategy",
		},
		[]string{"strategy"},
	)

	EnrichmentConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyberwatch_enrichment_confidence",
			Help:    "Confidence scores of enrichment attempts",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetryCandidates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyberwatch_retry_candidates",
			Help: "Enrichment failures currently eligible for retry",
		},
	)

	DeduplicatedEventsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyberwatch_deduplicated_events_total",
			Help: "Canonical deduplicated events in the store",
		},
	)

	RiskClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_risk_classifications_total",
			Help: "Risk classifications produced, by severity band",
		},
		[]string{"severity"},
	)

	ModelTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_model_tokens_used_total",
			Help: "Model tokens consumed",
		},
		[]string{"model", "type"},
	)

	FetchCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberwatch_fetch_cache_total",
			Help: "Transient URL fetch cache hits and misses",
		},
		[]string{"result"},
	)

	MonthsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyberwatch_months_completed_total",
			Help: "Month windows marked complete",
		},
	)
)

func Init() {
	prometheus.MustRegister(RawEventsProcessed)
	prometheus.MustRegister(ExtractionFailures)
	prometheus.MustRegister(ExtractionStrategyUsed)
	prometheus.MustRegister(EnrichmentConfidence)
	prometheus.MustRegister(RetryCandidates)
	prometheus.MustRegister(DeduplicatedEventsTotal)
	prometheus.MustRegister(RiskClassifications)
	prometheus.MustRegister(ModelTokensUsed)
	prometheus.MustRegister(FetchCacheHits)
	prometheus.MustRegister(MonthsCompleted)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
