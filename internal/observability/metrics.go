package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	WebhookDeliveries *prometheus.CounterVec
	ResponseFetches   *prometheus.CounterVec
	PreAuthRequests   *prometheus.CounterVec
	UpstreamLatency   *prometheus.HistogramVec
	CompletionPolls   *prometheus.CounterVec
}

// NewMetrics registers instruments on a private registry so tests can build
// as many as they like.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries by event type and outcome.",
		}, []string{"event", "outcome"}),
		ResponseFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_fetches_total",
			Help:      "Upstream response detail fetches by outcome.",
		}, []string{"outcome"}),
		PreAuthRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preauth_requests_total",
			Help:      "Pre-authenticate calls by resulting HTTP status.",
		}, []string{"status"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency of interview platform calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation"}),
		CompletionPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_polls_total",
			Help:      "Completion status reads by result.",
		}, []string{"completed"}),
	}
}

// ObserveUpstream records how long an upstream operation took.
func (m *Metrics) ObserveUpstream(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// WebhookDelivery counts one inbound delivery.
func (m *Metrics) WebhookDelivery(event, outcome string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.WebhookDeliveries.WithLabelValues(event, outcome).Inc()
}

// ResponseFetch counts one response detail fetch.
func (m *Metrics) ResponseFetch(outcome string) {
	if m == nil {
		return
	}
	m.ResponseFetches.WithLabelValues(outcome).Inc()
}

// PreAuth counts one pre-authenticate call.
func (m *Metrics) PreAuth(status int) {
	if m == nil {
		return
	}
	m.PreAuthRequests.WithLabelValues(http.StatusText(status)).Inc()
}

// CompletionPoll counts one status read.
func (m *Metrics) CompletionPoll(completed bool) {
	if m == nil {
		return
	}
	label := "false"
	if completed {
		label = "true"
	}
	m.CompletionPolls.WithLabelValues(label).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
