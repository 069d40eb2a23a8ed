// Package observability exposes Prometheus metrics (C15) for the proxy
// pipeline and admission engine, via prometheus/client_golang.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	UpstreamLatency    prometheus.Histogram
	LedgerWriteLatency prometheus.Histogram
}

// New registers and returns the gateway's metric collectors against the
// default Prometheus registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Name:      "proxy_requests_total",
			Help:      "Total proxied requests by status code.",
		}, []string{"status"}),
		AdmissionRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metergate",
			Name:      "admission_rejections_total",
			Help:      "Total admission-control rejections by check.",
		}, []string{"check"}),
		UpstreamLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metergate",
			Name:      "upstream_latency_seconds",
			Help:      "Latency of upstream backend calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		LedgerWriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metergate",
			Name:      "ledger_write_latency_seconds",
			Help:      "Latency of batched ledger writes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
