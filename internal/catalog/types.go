// Package catalog loads and owns the declarative action definitions. The
// catalog is read-only after startup; every other component gets definitions
// by value through lookups.
package catalog

import "fmt"

// Tier classifies the breadth of effect of an action.
type Tier int

const (
	// TierDiagnose actions are read-only inspection.
	TierDiagnose Tier = 1
	// TierRemediate actions actively change running services.
	TierRemediate Tier = 2
	// TierProactive actions perform preventive maintenance.
	TierProactive Tier = 3
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierDiagnose:
		return "diagnose"
	case TierRemediate:
		return "remediate"
	case TierProactive:
		return "proactive"
	default:
		return fmt.Sprintf("tier-%d", int(t))
	}
}

// Valid reports whether the tier is one of the three defined tiers.
func (t Tier) Valid() bool {
	return t >= TierDiagnose && t <= TierProactive
}

// RiskLevel is the declared risk of an action definition.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
)

func (r RiskLevel) valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical, RiskUnknown:
		return true
	}
	return false
}

// PreconditionType enumerates the typed preconditions an action may declare.
type PreconditionType string

const (
	PreconditionDiskUsage       PreconditionType = "disk_usage"
	PreconditionServiceHealth   PreconditionType = "service_health"
	PreconditionScheduledWindow PreconditionType = "scheduled_window"
	PreconditionMemory          PreconditionType = "memory"
)

// Precondition gates evaluation of an action. Fields are interpreted per
// type: disk_usage and memory use MaxPercent and (for disk) Path,
// service_health uses Service, scheduled_window uses Schedule (cron spec).
type Precondition struct {
	Type       PreconditionType `json:"type"`
	Path       string           `json:"path,omitempty"`
	MaxPercent float64          `json:"max_percent,omitempty"`
	Service    string           `json:"service,omitempty"`
	Schedule   string           `json:"schedule,omitempty"`
}

// SafetyCheckType enumerates the typed safety rules.
type SafetyCheckType string

const (
	SafetyReadOnly      SafetyCheckType = "read_only"
	SafetyPathWhitelist SafetyCheckType = "path_whitelist"
	SafetyRestartLimit  SafetyCheckType = "restart_limit"
)

// SafetyCheck is one rule applied to the resolved command before approval.
type SafetyCheck struct {
	Type       SafetyCheckType `json:"type"`
	Paths      []string        `json:"paths,omitempty"`
	MaxPerHour int             `json:"max_per_hour,omitempty"`
}

// Definition is one declarative action. Immutable after load.
type Definition struct {
	Name             string         `json:"name" validate:"required"`
	Tier             Tier           `json:"tier" validate:"min=1,max=3"`
	Category         string         `json:"category,omitempty"`
	Command          string         `json:"command" validate:"required"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty" validate:"gte=0"`
	AutoExecute      bool           `json:"auto_execute,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Preconditions    []Precondition `json:"preconditions,omitempty"`
	SafetyChecks     []SafetyCheck  `json:"safety_checks,omitempty"`
	RiskLevel        RiskLevel      `json:"risk_level,omitempty"`
}

// Summary is the listing view exposed on the control surface.
type Summary struct {
	Name     string    `json:"name"`
	Tier     Tier      `json:"tier"`
	Category string    `json:"category"`
	Risk     RiskLevel `json:"risk_level"`
}
