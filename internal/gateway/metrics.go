package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// upstreamBuckets は内部サービスの応答時間用のバケット。AIを呼ぶルートは数十秒かかる。
var upstreamBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics はゲートウェイのPrometheusメトリクス。
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics は専用のレジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_gateway_requests_total",
				Help: "Requests handled by route and status code",
			},
			[]string{"route", "status"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_gateway_rejections_total",
				Help: "Requests rejected before reaching a service",
			},
			[]string{"route", "reason"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_gateway_upstream_errors_total",
				Help: "Failed calls to internal services",
			},
			[]string{"service"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_gateway_upstream_duration_seconds",
				Help:    "Time until an internal service returned response headers",
				Buckets: upstreamBuckets,
			},
			[]string{"service"},
		),
	}
	m.registry.MustRegister(
		m.requests,
		m.rejections,
		m.upstreamErrors,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler はメトリクスを公開するhttp.Handlerを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeRejection(route, reason string) {
	m.rejections.WithLabelValues(route, reason).Inc()
}

func (m *Metrics) observeUpstreamError(service string) {
	m.upstreamErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) observeUpstreamDuration(service string, seconds float64) {
	m.upstreamDuration.WithLabelValues(service).Observe(seconds)
}
