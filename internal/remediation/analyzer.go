package remediation

import (
	"context"
	"fmt"

	"github.com/rvachov/helmsman/internal/incident"
)

// Recommendation is an analyzer's verdict for one incident.
type Recommendation struct {
	PlaybookID string            `json:"playbook_id"`
	Params     map[string]string `json:"params,omitempty"`
	Risk       string            `json:"risk"`
	IsAutoSafe bool              `json:"is_auto_safe"`
	Confidence float64           `json:"confidence"` // 0..1
	Reasoning  string            `json:"reasoning"`
}

// Analyzer recommends a playbook for an incident. Implementations may be a
// rules engine or an LLM behind the same contract.
type Analyzer interface {
	Analyze(ctx context.Context, inc *incident.Incident) (Recommendation, error)
}

// RulesAnalyzer maps incident types to playbooks with fixed rules. It is the
// default analyzer and the fallback when no external analyzer is configured.
type RulesAnalyzer struct{}

func (RulesAnalyzer) Analyze(_ context.Context, inc *incident.Incident) (Recommendation, error) {
	params := map[string]string{
		"container": inc.ContainerName,
		"service":   inc.ServiceName,
	}
	if inc.ContainerName == "" {
		params["container"] = inc.ServiceName
	}

	switch inc.Type {
	case incident.TypeContainerDown, incident.TypeContainerUnhealthy:
		return Recommendation{
			PlaybookID: "container_restart",
			Params:     params,
			Risk:       "medium",
			IsAutoSafe: inc.Severity != incident.SeverityCritical,
			Confidence: 0.9,
			Reasoning:  "container is down or unhealthy; a restart resolves the common cases",
		}, nil
	case incident.TypeContainerCrashLoop:
		return Recommendation{
			PlaybookID: "container_recreate",
			Params:     params,
			Risk:       "high",
			IsAutoSafe: false,
			Confidence: 0.7,
			Reasoning:  "repeated restarts indicate bad state; recreate from the compose definition",
		}, nil
	case incident.TypeHighMemory:
		return Recommendation{
			PlaybookID: "container_restart",
			Params:     params,
			Risk:       "medium",
			IsAutoSafe: true,
			Confidence: 0.6,
			Reasoning:  "memory pressure usually clears after a restart; scaling needs an operator",
		}, nil
	case incident.TypeDiskFull:
		return Recommendation{
			PlaybookID: "clear_docker_cache",
			Params:     params,
			Risk:       "medium",
			IsAutoSafe: true,
			Confidence: 0.8,
			Reasoning:  "docker build and image cache is the usual disk consumer on this host",
		}, nil
	case incident.TypeNASStale:
		return Recommendation{
			PlaybookID: "nas_remount",
			Params:     params,
			Risk:       "medium",
			IsAutoSafe: false,
			Confidence: 0.8,
			Reasoning:  "stale NFS handles need a remount; confirm to avoid interrupting transfers",
		}, nil
	case incident.TypeServiceDegraded:
		return Recommendation{
			PlaybookID: "restart_systemd_service",
			Params:     params,
			Risk:       "medium",
			IsAutoSafe: inc.Severity == incident.SeverityLow,
			Confidence: 0.7,
			Reasoning:  "degraded unit; restart is the first-line fix",
		}, nil
	case incident.TypeNetworkIssue:
		return Recommendation{
			PlaybookID: "check_network",
			Params:     map[string]string{"host": "1.1.1.1"},
			Risk:       "low",
			IsAutoSafe: true,
			Confidence: 0.9,
			Reasoning:  "collect diagnostics before touching anything",
		}, nil
	case incident.TypeSSLExpiring:
		return Recommendation{
			PlaybookID: "renew_ssl",
			Params:     params,
			Risk:       "high",
			IsAutoSafe: false,
			Confidence: 0.85,
			Reasoning:  "certificate within the renewal window",
		}, nil
	default:
		return Recommendation{}, fmt.Errorf("no playbook rule for incident type %q", inc.Type)
	}
}
