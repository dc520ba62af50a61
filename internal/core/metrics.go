package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the prometheus collectors for the pipeline. Each Engine owns
// its own registry so tests can build independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsScanned      prometheus.Counter
	Verdicts             *prometheus.CounterVec
	Findings             *prometheus.CounterVec
	Quarantined          prometheus.Counter
	QuarantineFailures   prometheus.Counter
	QuarantinePurged     prometheus.Counter
	BreakerState         *prometheus.GaugeVec
	BreakerTransitions   *prometheus.CounterVec
	BreakerRejected      *prometheus.CounterVec
	FraudAlerts          *prometheus.CounterVec
	MonitorSweeps        prometheus.Counter
	MonitorCriticalHits  prometheus.Counter
	EmergencyPurges      prometheus.Counter
	TransactionsRejected *prometheus.CounterVec
	BusMessages          *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_requests_scanned_total",
			Help: "Total number of request bundles inspected by the pipeline",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_threat_verdicts_total",
			Help: "Threat analysis verdicts by level",
		}, []string{"level"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_threat_findings_total",
			Help: "Threat findings by category",
		}, []string{"category"}),
		Quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_quarantine_records_total",
			Help: "Payloads placed in quarantine",
		}),
		QuarantineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_quarantine_storage_failures_total",
			Help: "Quarantine writes that failed to persist",
		}),
		QuarantinePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_quarantine_purged_total",
			Help: "Quarantine records purged or expired",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		BreakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_circuit_breaker_rejected_total",
			Help: "Calls rejected without invoking the dependency",
		}, []string{"name"}),
		FraudAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_fraud_alerts_total",
			Help: "Fraud alerts dispatched by severity",
		}, []string{"severity"}),
		MonitorSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_monitor_sweeps_total",
			Help: "Security monitor sweeps completed",
		}),
		MonitorCriticalHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_monitor_critical_hits_total",
			Help: "CRITICAL verdicts found by security monitor sweeps",
		}),
		EmergencyPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bastion_emergency_purges_total",
			Help: "Emergency purge runs",
		}),
		TransactionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_transactions_rejected_total",
			Help: "Transactions rejected by validation, by kind",
		}, []string{"kind"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_bus_messages_total",
			Help: "Event bus publications by kind (event, alert) and result",
		}, []string{"kind", "result"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsScanned, m.Verdicts, m.Findings,
		m.Quarantined, m.QuarantineFailures, m.QuarantinePurged,
		m.BreakerState, m.BreakerTransitions, m.BreakerRejected,
		m.FraudAlerts, m.MonitorSweeps, m.MonitorCriticalHits,
		m.EmergencyPurges, m.TransactionsRejected, m.BusMessages,
	)
	return m
}
