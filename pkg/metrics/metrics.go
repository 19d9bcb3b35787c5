package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SecurityChecks counts orchestrator decisions by outcome (allowed/denied) and stage.
var SecurityChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodyguard_security_checks_total",
		Help: "Total number of transaction security checks by outcome and deciding stage",
	},
	[]string{"outcome", "stage"},
)

// CheckLatency records latency distribution for the full security pipeline.
var CheckLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "custodyguard_security_check_latency_seconds",
		Help:    "Latency in seconds to run the full security pipeline",
		Buckets: prometheus.DefBuckets,
	},
)

// RiskAssessments counts risk scorer results by level.
var RiskAssessments = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custodyguard_risk_assessments_total",
		Help: "Total number of risk assessments by resulting level",
	},
	[]string{"level"},
)

// Snapshot pipeline metrics
var (
	SnapshotsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyguard_reserve_snapshots_total",
			Help: "Total number of reserve snapshots generated per chain",
		},
		[]string{"chain"},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custodyguard_reserve_snapshot_duration_seconds",
			Help:    "Time in seconds to generate one reserve snapshot",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ReserveRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodyguard_reserve_ratio",
			Help: "Latest reserves-to-liabilities ratio per chain",
		},
		[]string{"chain"},
	)

	RPCFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyguard_rpc_failures_total",
			Help: "Total number of failed per-address RPC lookups per chain",
		},
		[]string{"chain"},
	)

	PriceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyguard_price_fallbacks_total",
			Help: "Total number of times a hardcoded fallback price was used",
		},
		[]string{"symbol"},
	)
)

// Incident and notification metrics
var (
	IncidentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyguard_incidents_total",
			Help: "Total number of security incidents created by type and severity",
		},
		[]string{"type", "severity"},
	)

	TimeLocksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodyguard_timelocks_created_total",
			Help: "Total number of time-locked withdrawals created",
		},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyguard_notifications_sent_total",
			Help: "Total number of notifications published by topic and result",
		},
		[]string{"topic", "result"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodyguard_ws_clients",
			Help: "Number of connected security event feed clients",
		},
	)
)

// Database pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodyguard_db_open_connections",
			Help: "Open database connections",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodyguard_db_idle_connections",
			Help: "Idle database connections",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custodyguard_db_in_use_connections",
			Help: "Database connections currently in use",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(SecurityChecks, CheckLatency, RiskAssessments)
	prometheus.MustRegister(SnapshotsGenerated, SnapshotDuration, ReserveRatio, RPCFailures, PriceFallbacks)
	prometheus.MustRegister(IncidentsCreated, TimeLocksCreated, NotificationsSent, WSClients)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
