package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors the request path updates.
type Metrics struct {
	Decisions        *prometheus.CounterVec // verdict, reason
	RequestDuration  *prometheus.HistogramVec
	ActiveConns      prometheus.Gauge
	UpstreamErrors   *prometheus.CounterVec // kind
	BreakerState     *prometheus.GaugeVec   // upstream
	PoolSockets      *prometheus.GaugeVec   // protocol, state
	AuditDropped     prometheus.Counter
	CertMints        prometheus.Counter
	CertCacheHits    prometheus.Counter
	BytesTransferred *prometheus.CounterVec // direction
	registry         *prometheus.Registry
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_decisions_total",
			Help: "Policy decisions by verdict and reason.",
		}, []string{"verdict", "reason"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "egressd_request_duration_seconds",
			Help:    "End-to-end request duration by handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "egressd_active_connections",
			Help: "Currently tracked client connections.",
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_upstream_errors_total",
			Help: "Upstream failures by kind (dial, tls, timeout, io).",
		}, []string{"kind"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egressd_circuit_state",
			Help: "Circuit breaker state per upstream (0=closed, 1=open, 2=half_open).",
		}, []string{"upstream"}),
		PoolSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egressd_pool_sockets",
			Help: "Connection pool sockets by protocol and state.",
		}, []string{"protocol", "state"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egressd_audit_dropped_total",
			Help: "Audit entries dropped due to full sink queues.",
		}),
		CertMints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egressd_cert_mints_total",
			Help: "Leaf certificates generated.",
		}),
		CertCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egressd_cert_cache_hits_total",
			Help: "Certificate cache hits.",
		}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_bytes_total",
			Help: "Bytes moved by direction (in = client to upstream).",
		}, []string{"direction"}),
		registry: reg,
	}

	reg.MustRegister(
		m.Decisions, m.RequestDuration, m.ActiveConns, m.UpstreamErrors,
		m.BreakerState, m.PoolSockets, m.AuditDropped, m.CertMints,
		m.CertCacheHits, m.BytesTransferred,
	)
	return m
}

// Registry returns the registry for the admin /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(allowed bool, reason string) {
	verdict := "denied"
	if allowed {
		verdict = "allowed"
	}
	m.Decisions.WithLabelValues(verdict, reason).Inc()
}
