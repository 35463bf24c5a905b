package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hcloud_vrrp_failover"

type Metrics struct {
	registry         *prometheus.Registry
	runs             *prometheus.CounterVec // total reconciliation runs
	runDuration      prometheus.Histogram   // time to reconcile
	actions          *prometheus.CounterVec // executed plan actions
	floatingIPs      *prometheus.GaugeVec   // floating ips matched by the selector
	providerRequests *prometheus.CounterVec // hetzner api requests
	badgerRequests   *prometheus.CounterVec // journal requests
}

// Public interface for metrics operations
func (m *Metrics) IncRun(success, dryRun bool) {
	m.runs.WithLabelValues(boolToResult(success), boolToMode(dryRun)).Inc()
}

func (m *Metrics) SetRunDuration(duration time.Duration) {
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncAction(kind string, success, dryRun bool) {
	if !isValidAction(kind) {
		return
	}
	m.actions.WithLabelValues(kind, boolToResult(success), boolToMode(dryRun)).Inc()
}

func (m *Metrics) SetFloatingIPs(matched, assigned int) {
	m.floatingIPs.WithLabelValues("matched").Set(float64(matched))
	m.floatingIPs.WithLabelValues("assigned").Set(float64(assigned))
}

func (m *Metrics) IncProviderRequest(operation string, success bool) {
	if !isValidProviderOperation(operation) {
		return
	}
	m.providerRequests.WithLabelValues(operation, boolToResult(success)).Inc()
}

func (m *Metrics) IncBadgerRequest(operation string, success bool) {
	if !isValidJournalOperation(operation) {
		return
	}
	m.badgerRequests.WithLabelValues(operation, boolToResult(success)).Inc()
}

// Registerer exposes the registry so client libraries can add their own
// collectors next to ours.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Validation helpers
func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func boolToMode(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "apply"
}

func isValidAction(kind string) bool {
	switch kind {
	case "assign_floating_ip", "set_alias_addresses":
		return true
	}
	return false
}

func isValidProviderOperation(op string) bool {
	switch op {
	case "list_floating_ips", "assign_floating_ip", "get_alias_addresses", "set_alias_addresses":
		return true
	}
	return false
}

func isValidJournalOperation(op string) bool {
	switch op {
	case "read", "update", "delete":
		return true
	}
	return false
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs",
		}, []string{"status", "mode"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total plan actions executed or simulated",
		}, []string{"kind", "status", "mode"}),

		floatingIPs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "floating_ips",
			Help:      "Floating IPs matching the label selector, and those already on this server",
		}, []string{"state"}),

		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total Hetzner Cloud requests",
		}, []string{"operation", "status"}),

		badgerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badgerdb_requests_total",
			Help:      "Total journal requests",
		}, []string{"operation", "status"}),
	}

	if register {
		registry.MustRegister(
			m.runs,
			m.runDuration,
			m.actions,
			m.floatingIPs,
			m.providerRequests,
			m.badgerRequests,
		)
	}
	return m
}
