// Package telemetry exposes Prometheus metrics for the monitor.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReportsReceived counts processed inspection reports by outcome.
	ReportsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmon_reports_received_total",
		Help: "Total inspection reports received",
	}, []string{"status"})

	// DecisionsAdjudicated counts decision verdicts.
	DecisionsAdjudicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmon_decisions_total",
		Help: "Total adjudicated decisions by verdict",
	}, []string{"status"})

	// AlertsCreated counts alerts that survived deduplication.
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmon_alerts_created_total",
		Help: "Total alerts created",
	}, []string{"severity"})

	// AlertsDeduplicated counts suppressed duplicate alert signals.
	AlertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshmon_alerts_deduplicated_total",
		Help: "Total duplicate alert signals suppressed inside the dedup window",
	})

	// AgentsOnline tracks current agent liveness.
	AgentsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshmon_agents",
		Help: "Current number of agents by status",
	}, []string{"status"})

	// HeartbeatFlips counts agents marked offline by the monitor.
	HeartbeatFlips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshmon_heartbeat_offline_flips_total",
		Help: "Total agents flipped offline by the heartbeat monitor",
	})

	// ForwardAttempts counts upstream relay attempts by result.
	ForwardAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmon_forward_attempts_total",
		Help: "Total upstream relay attempts",
	}, []string{"kind", "result"})

	// AssessmentDuration tracks risk assessment latency.
	AssessmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshmon_risk_assessment_duration_seconds",
		Help:    "Duration of external risk assessment calls",
		Buckets: prometheus.DefBuckets,
	})
)
