// Package metrics holds the Prometheus collectors for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors updated by ingestion, delivery and the agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	Ingested       *prometheus.CounterVec
	Delivered      prometheus.Counter
	DeliveryMisses prometheus.Counter
	SummaryFailed  prometheus.Counter
	SummaryRetried *prometheus.CounterVec
	AgentReplies   *prometheus.CounterVec
	AgentLatency   prometheus.Histogram
	Online         prometheus.Gauge
	RateLimited    prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "messages_ingested_total",
			Help: "Messages persisted, by origin and chat type.",
		}, []string{"origin", "chat_type"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "deliveries_total",
			Help: "Messages pushed to a connected recipient.",
		}),
		DeliveryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "delivery_misses_total",
			Help: "Recipients that were offline or whose send buffer was full.",
		}),
		SummaryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "summary_sync_failures_total",
			Help: "Chat-list updates that failed and were queued for retry.",
		}),
		SummaryRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "summary_retries_total",
			Help: "Queued chat-list updates retried, by result.",
		}, []string{"result"}),
		AgentReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "agent_replies_total",
			Help: "Agent replies, by outcome (completion or fallback).",
		}, []string{"outcome"}),
		AgentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatd", Name: "agent_completion_seconds",
			Help:    "Completion service latency.",
			Buckets: prometheus.DefBuckets,
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd", Name: "online_users",
			Help: "Users with a registered connection.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "rate_limited_total",
			Help: "Messages rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(
		m.Ingested, m.Delivered, m.DeliveryMisses, m.SummaryFailed, m.SummaryRetried,
		m.AgentReplies, m.AgentLatency, m.Online, m.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) IncIngested(origin, chatType string) {
	if m != nil {
		m.Ingested.WithLabelValues(origin, chatType).Inc()
	}
}

func (m *Metrics) IncDelivered(n int) {
	if m != nil {
		m.Delivered.Add(float64(n))
	}
}

func (m *Metrics) IncMisses(n int) {
	if m != nil {
		m.DeliveryMisses.Add(float64(n))
	}
}

func (m *Metrics) IncSummaryFailed() {
	if m != nil {
		m.SummaryFailed.Inc()
	}
}

func (m *Metrics) IncSummaryRetried(result string) {
	if m != nil {
		m.SummaryRetried.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveAgent(outcome string, seconds float64) {
	if m != nil {
		m.AgentReplies.WithLabelValues(outcome).Inc()
		m.AgentLatency.Observe(seconds)
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.Online.Set(float64(n))
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
