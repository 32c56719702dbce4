package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Ingestions            *prometheus.CounterVec
	Utterances            prometheus.Counter
	FlaggedUtterances     prometheus.Counter
	LinkAttempts          *prometheus.CounterVec
	ConversationSentiment prometheus.Histogram
	StageLatency          *prometheus.HistogramVec
	AnalyzerErrors        *prometheus.CounterVec
	HTTPRequests          *prometheus.CounterVec
	EventSubscribers      prometheus.Gauge

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Ingestions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Transcript ingestions by outcome.",
		}, []string{"outcome"}),
		Utterances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterances persisted across all conversations.",
		}),
		FlaggedUtterances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_utterances_total",
			Help:      "Utterances whose sentiment crossed the concern threshold.",
		}),
		LinkAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_attempts_total",
			Help:      "Conversation-to-person link attempts by outcome.",
		}, []string{"outcome"}),
		ConversationSentiment: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversation_sentiment",
			Help:      "Overall compound sentiment of ingested conversations.",
			Buckets:   []float64{-0.75, -0.5, -0.25, -0.05, 0.05, 0.25, 0.5, 0.75},
		}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_latency_ms",
			Help:      "Ingestion pipeline stage latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"stage"}),
		AnalyzerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_errors_total",
			Help:      "Sentiment analyzer failures by provider.",
		}, []string{"provider"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected ingestion event stream clients.",
		}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records one pipeline stage duration in both the histogram and
// the rolling window served at /v1/perf/pipeline.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(millis(d))
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
