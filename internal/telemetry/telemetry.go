// Package telemetry exposes Prometheus metrics for the operations engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution pipeline metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_executions_total",
			Help: "Total number of command executions by mode and result",
		},
		[]string{"mode", "result"},
	)

	ExecutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_execution_duration_seconds",
			Help:    "Duration of command executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"mode"},
	)

	ValidationsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_validations_rejected_total",
			Help: "Total number of commands rejected by the validator by risk level",
		},
		[]string{"risk_level"},
	)

	// Policy metrics
	PolicyDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_policy_decisions_total",
			Help: "Total number of policy decisions by outcome and action",
		},
		[]string{"outcome", "action"},
	)

	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_breaker_open",
			Help: "Whether the circuit breaker is open for an action (1 open, 0 closed)",
		},
		[]string{"action"},
	)

	// Incident lifecycle metrics
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_incidents_total",
			Help: "Total number of incidents detected by type and severity",
		},
		[]string{"type", "severity"},
	)

	IncidentsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_incidents_active",
			Help: "Number of incidents not yet in a terminal state by type",
		},
		[]string{"type"},
	)

	RemediationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_remediation_duration_seconds",
			Help:    "Duration from incident detection to resolution",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 14400, 86400}, // 30s to 1d
		},
		[]string{"playbook"},
	)

	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_remediations_total",
			Help: "Total number of remediation attempts by playbook and result",
		},
		[]string{"playbook", "result"},
	)

	// Approval metrics
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_approvals_pending",
			Help: "Number of approval requests awaiting a decision",
		},
	)

	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_approvals_total",
			Help: "Total number of approval requests by final status",
		},
		[]string{"status"}, // approved, denied, expired
	)
)

// RecordExecution records one executor call.
func RecordExecution(mode string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	ExecutionsTotal.WithLabelValues(mode, result).Inc()
	ExecutionDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordValidationRejected records a command the validator refused.
func RecordValidationRejected(riskLevel string) {
	ValidationsRejectedTotal.WithLabelValues(riskLevel).Inc()
}

// RecordPolicyDecision records one policy evaluation.
func RecordPolicyDecision(outcome, action string) {
	PolicyDecisionsTotal.WithLabelValues(outcome, action).Inc()
}

// SetBreakerOpen reflects circuit breaker state for an action.
func SetBreakerOpen(action string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	BreakerOpen.WithLabelValues(action).Set(v)
}

// RecordIncidentDetected records a newly persisted incident.
func RecordIncidentDetected(incidentType, severity string) {
	IncidentsTotal.WithLabelValues(incidentType, severity).Inc()
	IncidentsActive.WithLabelValues(incidentType).Inc()
}

// RecordIncidentClosed records an incident reaching a terminal state.
func RecordIncidentClosed(incidentType string) {
	IncidentsActive.WithLabelValues(incidentType).Dec()
}

// RecordRemediation records a remediation attempt and, on success, the
// detection-to-resolution duration.
func RecordRemediation(playbook string, success bool, detectedToResolved time.Duration) {
	result := "failure"
	if success {
		result = "success"
		RemediationDurationSeconds.WithLabelValues(playbook).Observe(detectedToResolved.Seconds())
	}
	RemediationsTotal.WithLabelValues(playbook, result).Inc()
}

// RecordApprovalDecided records an approval reaching a final status.
func RecordApprovalDecided(status string) {
	ApprovalsTotal.WithLabelValues(status).Inc()
}
