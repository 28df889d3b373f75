package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	// ProviderHealthState is reported by the health tracker's OnUpdate hook
	// (0=down, 1=degraded, 2=healthy).
	ProviderHealthState *prometheus.GaugeVec

	// HeartbeatTotal increments on a fixed interval; external monitors alert
	// if it stops moving, which indicates a hung process.
	HeartbeatTotal prometheus.Counter

	// Ensemble pipeline (orchestrator) metrics.
	EnsembleRequestsTotal *prometheus.CounterVec
	EnsembleLatencyMs     *prometheus.HistogramVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemblehub_requests_total",
			Help: "Total requests routed through ensemblehub",
		}, []string{"mode", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemblehub_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemblehub_cost_usd_total",
			Help: "Estimated USD cost",
		}, []string{"model", "provider"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ensemblehub_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ProviderHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ensemblehub_provider_health_state",
			Help: "Provider health state (0=down, 1=degraded, 2=healthy)",
		}, []string{"provider"}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ensemblehub_heartbeat_total",
			Help: "Incremented on a fixed interval; a stalled counter indicates a hung process",
		}),
		EnsembleRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemblehub_ensemble_requests_total",
			Help: "Total ensemble pipeline runs by tier and outcome status",
		}, []string{"tier", "status"}),
		EnsembleLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemblehub_ensemble_latency_ms",
			Help:    "End-to-end ensemble pipeline latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}, []string{"tier"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD, m.RateLimitedTotal,
		m.ProviderHealthState, m.HeartbeatTotal,
		m.EnsembleRequestsTotal, m.EnsembleLatencyMs,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
