// Package incident persists incidents, learning records, and auto-remediation
// settings in a local SQLite database. The store is the only owner of these
// entities; other components reach them through its operations.
package incident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Type classifies what went wrong.
type Type string

const (
	TypeContainerDown      Type = "container_down"
	TypeContainerUnhealthy Type = "container_unhealthy"
	TypeContainerCrashLoop Type = "container_crash_loop"
	TypeHighCPU            Type = "high_cpu"
	TypeHighMemory         Type = "high_memory"
	TypeDiskFull           Type = "disk_full"
	TypeNASStale           Type = "nas_stale"
	TypeServiceDegraded    Type = "service_degraded"
	TypeNetworkIssue       Type = "network_issue"
	TypeSSLExpiring        Type = "ssl_expiring"
	TypeSecurityAlert      Type = "security_alert"
	TypeCustom             Type = "custom"
)

// Severity grades impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the incident lifecycle state. Transitions are forward-only; a
// failed incident is retried by opening a new incident that references it.
type Status string

const (
	StatusDetected    Status = "detected"
	StatusAnalyzing   Status = "analyzing"
	StatusRemediating Status = "remediating"
	StatusResolved    Status = "resolved"
	StatusEscalated   Status = "escalated"
	StatusFailed      Status = "failed"
)

// statusRank orders the lifecycle. Equal ranks are terminal siblings.
var statusRank = map[Status]int{
	StatusDetected:    0,
	StatusAnalyzing:   1,
	StatusRemediating: 2,
	StatusResolved:    3,
	StatusEscalated:   3,
	StatusFailed:      3,
}

// Terminal reports whether the status ends the incident lifecycle.
func (s Status) Terminal() bool {
	return statusRank[s] == 3
}

// CanTransition reports whether moving from to next is a forward step.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Incident is one detected problem and its remediation trail.
type Incident struct {
	ID                  string                 `json:"incident_id"`
	Type                Type                   `json:"type"`
	Severity            Severity               `json:"severity"`
	Status              Status                 `json:"status"`
	HostID              string                 `json:"host_id,omitempty"`
	ServiceName         string                 `json:"service_name"`
	ContainerName       string                 `json:"container_name,omitempty"`
	Title               string                 `json:"title"`
	Description         string                 `json:"description,omitempty"`
	DetectedAt          time.Time              `json:"detected_at"`
	AcknowledgedAt      *time.Time             `json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time             `json:"resolved_at,omitempty"`
	PlaybookID          string                 `json:"playbook_id,omitempty"`
	PlaybookParams      map[string]string      `json:"playbook_params,omitempty"`
	PlaybookResult      string                 `json:"playbook_result,omitempty"`
	AutoRemediated      bool                   `json:"auto_remediated"`
	RemediationAttempts int                    `json:"remediation_attempts"`
	TriggerSource       string                 `json:"trigger_source"`
	TriggerDetails      map[string]interface{} `json:"trigger_details,omitempty"`
	Analysis            string                 `json:"analysis,omitempty"`
	Recommendations     string                 `json:"recommendations,omitempty"`
	RetryOf             string                 `json:"retry_of,omitempty"`
}

// LearningRecord accumulates remediation outcomes per symptom pattern.
type LearningRecord struct {
	PatternHash          string                 `json:"pattern_hash"`
	IncidentType         Type                   `json:"incident_type"`
	ServiceName          string                 `json:"service_name"`
	Symptoms             map[string]interface{} `json:"symptoms,omitempty"`
	SuccessfulPlaybook   string                 `json:"successful_playbook,omitempty"`
	SuccessCount         int                    `json:"success_count"`
	FailureCount         int                    `json:"failure_count"`
	AvgResolutionSeconds *float64               `json:"avg_resolution_time_seconds,omitempty"`
	FirstOccurrence      time.Time              `json:"first_occurrence"`
	LastOccurrence       time.Time              `json:"last_occurrence"`
}

// SuccessRate returns success_count / (success_count + failure_count).
// The second return is false when no outcomes have been recorded.
func (r LearningRecord) SuccessRate() (float64, bool) {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0, false
	}
	return float64(r.SuccessCount) / float64(total), true
}

// AutoRemediationSetting controls autonomous behavior per playbook/service.
type AutoRemediationSetting struct {
	PlaybookID            string    `json:"playbook_id,omitempty"`
	ServiceName           string    `json:"service_name,omitempty"`
	Enabled               bool      `json:"enabled"`
	MaxAutoAttempts       int       `json:"max_auto_attempts"`
	CooldownMinutes       int       `json:"cooldown_minutes"`
	ApprovalAboveSeverity Severity  `json:"approval_above_severity"`
	NotifyChannels        []string  `json:"notify_channels,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ActionRecord is one persisted autonomous execution.
type ActionRecord struct {
	ID             string                 `json:"id"`
	ActionName     string                 `json:"action_name"`
	Command        string                 `json:"command"`
	RiskLevel      string                 `json:"risk_level"`
	ApprovalSource string                 `json:"approval_source"`
	Success        bool                   `json:"success"`
	ExitCode       *int                   `json:"exit_code,omitempty"`
	DurationMS     int64                  `json:"duration_ms"`
	ExecutedAt     time.Time              `json:"executed_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewIncidentID returns an identifier of the form INC-YYYYMMDD-XXXXXXXX.
func NewIncidentID(now time.Time) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("INC-%s-%s",
		now.UTC().Format("20060102"),
		strings.ToUpper(hex.EncodeToString(buf)))
}

// PatternHash digests the symptom tuple into the learning key. Incidents
// with the same type, service, and trigger source share a record.
func PatternHash(incidentType Type, service, triggerSource string) string {
	sum := sha256.Sum256([]byte(string(incidentType) + "|" + service + "|" + triggerSource))
	return hex.EncodeToString(sum[:])
}
