// Package metrics holds the orchestrator's internal Prometheus
// collectors. Per SPEC_FULL.md's domain stack, the HTTP admin surface
// that would scrape these is out of scope; this package only builds and
// updates the registry, the way etalazz-vsa's churn package separates
// "define and update collectors" from "expose /metrics".
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the orchestrator reports to. Built
// once in the composition root and threaded explicitly into the
// components that update it — no package-level prometheus.MustRegister,
// per the no-singletons design note.
type Registry struct {
	reg *prometheus.Registry

	EnginesHealthy    prometheus.Gauge
	EnginesTotal      prometheus.Gauge
	ProvisionsTotal   prometheus.Counter
	ProvisionFailures prometheus.Counter
	ActiveSessions    prometheus.Gauge
	CircuitBreaker    *prometheus.GaugeVec // by context: 0=closed,1=half-open,2=open
	VPNHealthy        *prometheus.GaugeVec // by vpn id: 0/1
}

// New constructs a Registry and registers every collector against a
// fresh prometheus.Registry (never the global default, again to avoid
// import-time singletons).
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		EnginesHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acestream_orchestrator_engines_healthy",
			Help: "Number of engines currently marked healthy.",
		}),
		EnginesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acestream_orchestrator_engines_total",
			Help: "Number of engines currently tracked in the state store.",
		}),
		ProvisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acestream_orchestrator_provisions_total",
			Help: "Total successful engine provisions.",
		}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acestream_orchestrator_provision_failures_total",
			Help: "Total failed engine provision attempts.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acestream_orchestrator_active_sessions",
			Help: "Number of live proxy sessions, including those waiting out their grace period with no client.",
		}),
		CircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acestream_orchestrator_circuit_breaker_state",
			Help: "Provisioning circuit breaker state by context (0=closed,1=half-open,2=open).",
		}, []string{"context"}),
		VPNHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acestream_orchestrator_vpn_healthy",
			Help: "VPN health by id (1=healthy, 0=unhealthy).",
		}, []string{"vpn_id"}),
	}
	r.reg.MustRegister(
		r.EnginesHealthy, r.EnginesTotal, r.ProvisionsTotal,
		r.ProvisionFailures, r.ActiveSessions, r.CircuitBreaker, r.VPNHealthy,
	)
	return r
}

// Gatherer exposes the underlying registry for a promhttp handler,
// should the (out-of-scope) admin layer want to mount one.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
