package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	authentications *prometheus.CounterVec
	refreshes       prometheus.Counter
}

// NewMetrics registers the client collectors with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipw_requests_total",
			Help: "Total IPW API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ipw_request_duration_seconds",
			Help:    "IPW API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		authentications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipw_authentications_total",
			Help: "Total authentication attempts by result.",
		}, []string{"result"}),

		refreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "ipw_token_refreshes_total",
			Help: "Total forced token refreshes after the server rejected a token.",
		}),
	}
}

func (m *Metrics) request(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.duration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) authenticated(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.authentications.WithLabelValues(result).Inc()
}

func (m *Metrics) forcedRefresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}
