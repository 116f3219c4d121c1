package cloudrelay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "cloudrelay"

var requestDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics groups the collectors of one relay instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TokenRefreshesTotal  *prometheus.CounterVec
	TokenRefreshDuration *prometheus.HistogramVec
	APICallsTotal        *prometheus.CounterVec
	APICallDuration      *prometheus.HistogramVec
	HTTPRequestsTotal    *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenRefreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Count of access token refresh attempts.",
		}, []string{"provider", "result"}),

		TokenRefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Time taken to sign an assertion and exchange it for a token.",
			Buckets:   requestDurationBuckets,
		}, []string{"provider"}),

		APICallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "api_calls_total",
			Help:      "Count of provider API invocations.",
		}, []string{"provider", "service", "result"}),

		APICallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "api_call_duration_seconds",
			Help:      "Time taken for a provider API invocation.",
			Buckets:   requestDurationBuckets,
		}, []string{"provider", "service"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests served.",
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) observeRefresh(provider string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.WithLabelValues(provider, resultLabel(err)).Inc()
	m.TokenRefreshDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeAPICall(provider, service, result string, started time.Time) {
	if m == nil {
		return
	}
	m.APICallsTotal.WithLabelValues(provider, service, result).Inc()
	m.APICallDuration.WithLabelValues(provider, service).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeHTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// resultLabel keeps label cardinality bounded.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
