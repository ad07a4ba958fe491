// Package remediation translates incidents into executions and routes the
// outcomes back into learning and breaker state.
package remediation

import (
	"time"

	"github.com/rvachov/helmsman/internal/incident"
)

// Playbook is one named remediation recipe. The set is closed; unknown
// playbook IDs escalate to a human.
type Playbook struct {
	ID              string            `json:"id"`
	Description     string            `json:"description"`
	IssueTypes      []incident.Type   `json:"issue_types"`
	AutoExecute     bool              `json:"auto_execute"`
	NeedsConfirm    bool              `json:"needs_confirm"`
	Severity        incident.Severity `json:"severity"`
	RiskLevel       string            `json:"risk_level"`
	ExpectedTime    time.Duration     `json:"expected_time"`
	CommandTemplate string            `json:"command_template"`
	Rollback        string            `json:"rollback,omitempty"`
	// Manual playbooks are documentation only; the orchestrator escalates.
	Manual bool `json:"manual,omitempty"`
}

// playbooks is the closed catalog, keyed by ID.
var playbooks = map[string]Playbook{
	"container_restart": {
		ID:              "container_restart",
		Description:     "Restart a misbehaving container",
		IssueTypes:      []incident.Type{incident.TypeContainerDown, incident.TypeContainerUnhealthy, incident.TypeHighMemory},
		AutoExecute:     true,
		Severity:        incident.SeverityLow,
		RiskLevel:       "medium",
		ExpectedTime:    30 * time.Second,
		CommandTemplate: "docker restart {container}",
		Rollback:        "none needed; restart is idempotent",
	},
	"container_recreate": {
		ID:              "container_recreate",
		Description:     "Recreate a container from its compose definition",
		IssueTypes:      []incident.Type{incident.TypeContainerCrashLoop},
		AutoExecute:     false,
		NeedsConfirm:    true,
		Severity:        incident.SeverityMedium,
		RiskLevel:       "high",
		ExpectedTime:    2 * time.Minute,
		CommandTemplate: "docker compose up -d --force-recreate {container}",
		Rollback:        "docker compose up -d {container} with the previous image tag",
	},
	"nas_remount": {
		ID:              "nas_remount",
		Description:     "Remount a stale NAS share",
		IssueTypes:      []incident.Type{incident.TypeNASStale},
		AutoExecute:     false,
		NeedsConfirm:    true,
		Severity:        incident.SeverityMedium,
		RiskLevel:       "medium",
		ExpectedTime:    time.Minute,
		CommandTemplate: "mount -a",
		Rollback:        "umount the share if the remount hangs",
	},
	"clear_docker_cache": {
		ID:              "clear_docker_cache",
		Description:     "Prune unused docker data to reclaim disk",
		IssueTypes:      []incident.Type{incident.TypeDiskFull},
		AutoExecute:     true,
		Severity:        incident.SeverityMedium,
		RiskLevel:       "medium",
		ExpectedTime:    5 * time.Minute,
		CommandTemplate: "docker system prune -f",
		Rollback:        "pruned data is unrecoverable; images re-pull on demand",
	},
	"restart_systemd_service": {
		ID:              "restart_systemd_service",
		Description:     "Restart a degraded systemd unit",
		IssueTypes:      []incident.Type{incident.TypeServiceDegraded},
		AutoExecute:     true,
		Severity:        incident.SeverityLow,
		RiskLevel:       "medium",
		ExpectedTime:    30 * time.Second,
		CommandTemplate: "systemctl restart {service}",
		Rollback:        "systemctl stop {service} if the restart loops",
	},
	"scale_container": {
		ID:              "scale_container",
		Description:     "Raise a container's memory limit",
		IssueTypes:      []incident.Type{incident.TypeHighMemory},
		AutoExecute:     false,
		NeedsConfirm:    true,
		Severity:        incident.SeverityMedium,
		RiskLevel:       "medium",
		ExpectedTime:    time.Minute,
		CommandTemplate: "docker update --memory {memory} {container}",
		Rollback:        "docker update with the previous limit",
	},
	"check_network": {
		ID:              "check_network",
		Description:     "Collect network diagnostics",
		IssueTypes:      []incident.Type{incident.TypeNetworkIssue},
		AutoExecute:     true,
		Severity:        incident.SeverityLow,
		RiskLevel:       "low",
		ExpectedTime:    30 * time.Second,
		CommandTemplate: "ping -c 4 {host}",
	},
	"renew_ssl": {
		ID:              "renew_ssl",
		Description:     "Renew expiring certificates",
		IssueTypes:      []incident.Type{incident.TypeSSLExpiring},
		AutoExecute:     false,
		NeedsConfirm:    true,
		Severity:        incident.SeverityHigh,
		RiskLevel:       "high",
		ExpectedTime:    2 * time.Minute,
		CommandTemplate: "certbot renew --cert-name {service}",
		Rollback:        "previous certificates remain on disk until replaced",
	},
	"kvm_reset_gpu": {
		ID:           "kvm_reset_gpu",
		Description:  "Reset a passed-through GPU (manual procedure)",
		IssueTypes:   []incident.Type{incident.TypeCustom},
		Manual:       true,
		Severity:     incident.SeverityHigh,
		RiskLevel:    "critical",
		ExpectedTime: 10 * time.Minute,
	},
}

// GetPlaybook returns a playbook by ID.
func GetPlaybook(id string) (Playbook, bool) {
	pb, ok := playbooks[id]
	return pb, ok
}

// PlaybooksFor lists the playbooks applicable to an incident type.
func PlaybooksFor(t incident.Type) []Playbook {
	var out []Playbook
	for _, pb := range playbooks {
		for _, it := range pb.IssueTypes {
			if it == t {
				out = append(out, pb)
				break
			}
		}
	}
	return out
}

// PlaybookIDs returns the closed set of known playbook IDs.
func PlaybookIDs() []string {
	out := make([]string, 0, len(playbooks))
	for id := range playbooks {
		out = append(out, id)
	}
	return out
}
