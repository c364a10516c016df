// Package metrics exposes Prometheus instrumentation for the endpoint
// pools, monitors, reconciler, and router.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for rwsplit.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	probeDuration *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec

	reconcileEmitsTotal *prometheus.CounterVec
	endpointRole        *prometheus.GaugeVec

	sessionDuration    *prometheus.HistogramVec
	sessionsTotal      *prometheus.CounterVec
	routeErrorsTotal   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests or on config reload) — each
// call creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwsplit_backendpool_connections_active",
				Help: "Number of active pooled connections per backend endpoint",
			},
			[]string{"addr"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwsplit_backendpool_connections_idle",
				Help: "Number of idle pooled connections per backend endpoint",
			},
			[]string{"addr"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwsplit_backendpool_connections_total",
				Help: "Total pooled connections per backend endpoint",
			},
			[]string{"addr"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwsplit_backendpool_connections_waiting",
				Help: "Goroutines waiting for a pooled connection per backend endpoint",
			},
			[]string{"addr"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_backendpool_exhausted_total",
				Help: "Times a backend endpoint's pool was exhausted",
			},
			[]string{"addr"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwsplit_monitor_probe_duration_seconds",
				Help:    "Duration of a single BackendProbe call",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"monitor", "addr"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_monitor_probe_failures_total",
				Help: "BackendProbe call failures by monitor kind and address",
			},
			[]string{"monitor", "addr"},
		),

		reconcileEmitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_reconcile_emits_total",
				Help: "Times the reconciler published a changed ReadWriteEndpoint",
			},
			[]string{},
		),
		endpointRole: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwsplit_endpoint_role",
				Help: "Current role of an endpoint in the published ReadWriteEndpoint (1=primary, 0=replica)",
			},
			[]string{"addr"},
		),

		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwsplit_proxy_session_duration_seconds",
				Help:    "Duration of a proxied client session",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"addr", "target"},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_proxy_sessions_total",
				Help: "Proxied client sessions by backend address and classified statement type",
			},
			[]string{"addr", "target"},
		),
		routeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwsplit_router_errors_total",
				Help: "Router.Route failures by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.probeDuration,
		c.probeFailures,
		c.reconcileEmitsTotal,
		c.endpointRole,
		c.sessionDuration,
		c.sessionsTotal,
		c.routeErrorsTotal,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics for a backend endpoint.
func (c *Collector) UpdatePoolStats(addr string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(addr).Set(float64(active))
	c.connectionsIdle.WithLabelValues(addr).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(addr).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(addr).Set(float64(waiting))
}

// PoolExhausted increments the pool-exhausted counter for addr.
func (c *Collector) PoolExhausted(addr string) {
	c.poolExhausted.WithLabelValues(addr).Inc()
}

// RemoveEndpoint removes all per-endpoint metrics for addr, e.g. when a
// backend pool is torn down.
func (c *Collector) RemoveEndpoint(addr string) {
	c.connectionsActive.DeleteLabelValues(addr)
	c.connectionsIdle.DeleteLabelValues(addr)
	c.connectionsTotal.DeleteLabelValues(addr)
	c.connectionsWaiting.DeleteLabelValues(addr)
	c.poolExhausted.DeleteLabelValues(addr)
	c.endpointRole.DeleteLabelValues(addr)
}

// ProbeCompleted records a BackendProbe call's duration and, on failure,
// increments the failure counter.
func (c *Collector) ProbeCompleted(monitorKind, addr string, d time.Duration, err error) {
	c.probeDuration.WithLabelValues(monitorKind, addr).Observe(d.Seconds())
	if err != nil {
		c.probeFailures.WithLabelValues(monitorKind, addr).Inc()
	}
}

// ReconcileEmitted increments the reconcile-emit counter.
func (c *Collector) ReconcileEmitted() {
	c.reconcileEmitsTotal.WithLabelValues().Inc()
}

// SetEndpointRole records whether addr is currently serving as primary.
func (c *Collector) SetEndpointRole(addr string, primary bool) {
	val := 0.0
	if primary {
		val = 1.0
	}
	c.endpointRole.WithLabelValues(addr).Set(val)
}

// SessionDuration records a completed proxied session's duration, keyed by
// the backend it was routed to and a target label. The proxy passes the
// session's classified statement type ("read" or "write") as that label,
// not the pool the routing rules selected.
func (c *Collector) SessionDuration(addr, target string, d time.Duration) {
	c.sessionsTotal.WithLabelValues(addr, target).Inc()
	c.sessionDuration.WithLabelValues(addr, target).Observe(d.Seconds())
}

// RouteError increments the router error counter for the given reason
// (e.g. "no_eligible_backend", "unknown_algorithm").
func (c *Collector) RouteError(reason string) {
	c.routeErrorsTotal.WithLabelValues(reason).Inc()
}
