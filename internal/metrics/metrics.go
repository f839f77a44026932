package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics owns a private registry so several engines (tests) can coexist in
// one process.
type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived     *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	EventsDuplicate    prometheus.Counter
	EventsDropped      *prometheus.CounterVec
	EventsDiscarded    prometheus.Counter
	Candidates         *prometheus.CounterVec
	CandidatesSuppress *prometheus.CounterVec
	Alerts             *prometheus.CounterVec
	RuleFaults         *prometheus.CounterVec
	EmitErrors         *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	TrackedSources     prometheus.Gauge
	OpenAlerts         prometheus.Gauge
	Latency            prometheus.Summary
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_events_received_total",
			Help: "Events accepted by the normalizer, by ingest adapter",
		}, []string{"source"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_events_rejected_total",
			Help: "Raw events that failed validation, by field",
		}, []string{"reason"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttguard_events_duplicate_total",
			Help: "Events dropped as duplicates within the dedupe window",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_events_dropped_total",
			Help: "Events lost to a full shard queue, by overflow policy",
		}, []string{"policy"}),
		EventsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttguard_events_discarded_total",
			Help: "Queued events discarded after the shutdown drain timeout",
		}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_candidates_total",
			Help: "Rule candidates produced, by rule",
		}, []string{"rule"}),
		CandidatesSuppress: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_candidates_suppressed_total",
			Help: "Rule candidates dropped by suppression lists, by rule",
		}, []string{"rule"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_alerts_total",
			Help: "Finalized alerts emitted, by rule and severity",
		}, []string{"rule", "severity"}),
		RuleFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_rule_faults_total",
			Help: "Recovered rule panics, by rule",
		}, []string{"rule"}),
		EmitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttguard_emit_errors_total",
			Help: "Alert sink failures, by sink",
		}, []string{"sink"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqttguard_queue_depth",
			Help: "Events waiting in each shard queue",
		}, []string{"shard"}),
		TrackedSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "mqttguard_tracked_sources",
			Help: "Sources with live window state",
		}),
		OpenAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "mqttguard_open_alerts",
			Help: "Alerts currently being aggregated",
		}),
		Latency: f.NewSummary(prometheus.SummaryOpts{
			Name:       "mqttguard_processing_latency_seconds",
			Help:       "Time from submit to evaluation complete",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
			MaxAge:     time.Minute,
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(shard, depth int) {
	m.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

// Latencies reads the summary back: the observation count and the p50, p95
// and p99 estimates in seconds.
type Latencies struct {
	Count uint64  `json:"count"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
	P99   float64 `json:"p99_seconds"`
}

func (m *Metrics) Latencies() Latencies {
	var pb dto.Metric
	if err := m.Latency.Write(&pb); err != nil {
		return Latencies{}
	}
	s := pb.GetSummary()
	out := Latencies{Count: s.GetSampleCount()}
	for _, q := range s.GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = q.GetValue()
		case 0.95:
			out.P95 = q.GetValue()
		case 0.99:
			out.P99 = q.GetValue()
		}
	}
	return out
}

// CounterValue returns the current value of one series of a counter vector.
func CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
