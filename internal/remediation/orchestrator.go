package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/executor"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/telemetry"
)

// Status is the outcome of one remediation attempt.
type Status string

const (
	StatusResolved      Status = "resolved"
	StatusFailed        Status = "failed"
	StatusEscalated     Status = "escalated"
	StatusNeedsApproval Status = "requires_approval"
	StatusNeedsConfirm  Status = "requires_confirmation"
)

// Outcome reports what the orchestrator did with an incident.
type Outcome struct {
	Status         Status           `json:"status"`
	PlaybookID     string           `json:"playbook_id,omitempty"`
	Recommendation *Recommendation  `json:"recommendation,omitempty"`
	Execution      *executor.Record `json:"execution,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// CommandRunner executes a command locally.
type CommandRunner interface {
	Execute(ctx context.Context, command, initiator string, opts executor.Options) executor.Record
}

// FleetRunner executes a command on a remote host.
type FleetRunner interface {
	Run(ctx context.Context, host, command string, timeout time.Duration) (executor.Record, error)
}

// ConfirmationGate redeems operator confirmation tokens. The approval store
// satisfies this.
type ConfirmationGate interface {
	Consume(token, command string) error
}

// BreakerRecorder feeds execution outcomes into circuit-breaker state.
type BreakerRecorder interface {
	RecordExecutionResult(name string, success bool)
}

// IncidentStore is the slice of the incident store the orchestrator uses.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	GetLearningRecord(ctx context.Context, hash string) (*incident.LearningRecord, error)
	UpdateIncidentStatus(ctx context.Context, id string, status incident.Status, notes string, extras map[string]interface{}) error
	IncrementRemediationAttempts(ctx context.Context, id, playbookID string, params map[string]string) error
	SetAnalysis(ctx context.Context, id, analysis, recommendations string) error
	RecordLearningSuccess(ctx context.Context, inc *incident.Incident, playbookID string, resolution time.Duration) error
	RecordLearningFailure(ctx context.Context, inc *incident.Incident) error
}

// Options tune one Remediate call.
type Options struct {
	// AutoExecute requests autonomous execution; the playbook must allow it.
	AutoExecute bool
	// ConfirmationToken redeems a playbook's confirmation requirement.
	ConfirmationToken string
	// Host routes the command through the fleet runner instead of the local
	// executor.
	Host string
}

// Orchestrator runs the selection protocol for incidents.
type Orchestrator struct {
	analyzer Analyzer
	store    IncidentStore
	runner   CommandRunner
	fleet    FleetRunner
	gate     ConfirmationGate
	breaker  BreakerRecorder
}

// New creates an orchestrator. fleet, gate, and breaker may be nil when the
// deployment has no remote hosts, no confirmation flow, or no breaker.
func New(analyzer Analyzer, store IncidentStore, runner CommandRunner, fleet FleetRunner, gate ConfirmationGate, breaker BreakerRecorder) *Orchestrator {
	if analyzer == nil {
		analyzer = RulesAnalyzer{}
	}
	return &Orchestrator{
		analyzer: analyzer,
		store:    store,
		runner:   runner,
		fleet:    fleet,
		gate:     gate,
		breaker:  breaker,
	}
}

// Remediate runs the selection protocol for one incident and routes the
// outcome into incident state and learning.
func (o *Orchestrator) Remediate(ctx context.Context, incidentID string, opts Options) (Outcome, error) {
	inc, err := o.store.GetIncident(ctx, incidentID)
	if err != nil {
		return Outcome{}, err
	}

	rec, err := o.analyzer.Analyze(ctx, inc)
	if learned := o.learned(ctx, inc); learned != nil {
		rate, _ := learned.SuccessRate()
		if err != nil {
			// The analyzer has no rule for this pattern but history does.
			rec = Recommendation{
				Params: map[string]string{
					"container": inc.ContainerName,
					"service":   inc.ServiceName,
				},
				Risk: "medium",
			}
			if inc.ContainerName == "" {
				rec.Params["container"] = inc.ServiceName
			}
			err = nil
		}
		rec.PlaybookID = learned.SuccessfulPlaybook
		rec.Confidence = rate
		rec.Reasoning = fmt.Sprintf("playbook %s resolved %d of %d similar incidents",
			learned.SuccessfulPlaybook, learned.SuccessCount, learned.SuccessCount+learned.FailureCount)
	}
	if err != nil {
		o.escalate(ctx, inc, fmt.Sprintf("analyzer failed: %v", err))
		return Outcome{Status: StatusEscalated, Reason: err.Error()}, nil
	}

	// Persist the recommendation on the incident before acting on it.
	if recJSON, err := json.Marshal(rec); err == nil {
		if err := o.store.SetAnalysis(ctx, inc.ID, rec.Reasoning, string(recJSON)); err != nil {
			log.Warn().Err(err).Str("incidentID", inc.ID).Msg("Failed to persist analysis")
		}
	}

	out := Outcome{PlaybookID: rec.PlaybookID, Recommendation: &rec}

	pb, known := GetPlaybook(rec.PlaybookID)
	if !known || pb.Manual {
		reason := fmt.Sprintf("playbook %q requires manual intervention", rec.PlaybookID)
		if !known {
			reason = fmt.Sprintf("unknown playbook %q", rec.PlaybookID)
		}
		o.escalate(ctx, inc, reason)
		out.Status = StatusEscalated
		out.Reason = reason
		return out, nil
	}

	command := resolveTemplate(pb.CommandTemplate, rec.Params)

	if opts.AutoExecute && (!pb.AutoExecute || !rec.IsAutoSafe) {
		out.Status = StatusNeedsApproval
		out.Reason = fmt.Sprintf("playbook %s does not permit autonomous execution", pb.ID)
		return out, nil
	}

	if pb.NeedsConfirm {
		if opts.ConfirmationToken == "" {
			out.Status = StatusNeedsConfirm
			out.Reason = fmt.Sprintf("playbook %s requires operator confirmation", pb.ID)
			return out, nil
		}
		if o.gate == nil {
			out.Status = StatusNeedsConfirm
			out.Reason = "no confirmation gate configured"
			return out, nil
		}
		if err := o.gate.Consume(opts.ConfirmationToken, command); err != nil {
			out.Status = StatusNeedsConfirm
			out.Reason = fmt.Sprintf("confirmation rejected: %v", err)
			return out, nil
		}
	}

	if err := o.store.UpdateIncidentStatus(ctx, inc.ID, incident.StatusRemediating, "", nil); err != nil {
		return out, fmt.Errorf("failed to mark incident remediating: %w", err)
	}
	if err := o.store.IncrementRemediationAttempts(ctx, inc.ID, pb.ID, rec.Params); err != nil {
		log.Warn().Err(err).Str("incidentID", inc.ID).Msg("Failed to record remediation attempt")
	}

	execRec, err := o.run(ctx, pb, command, opts.Host)
	if err != nil {
		// Transport failure: the command never ran.
		o.fail(ctx, inc, fmt.Sprintf("remediation transport failed: %v", err))
		out.Status = StatusFailed
		out.Reason = err.Error()
		return out, nil
	}
	out.Execution = &execRec

	if o.breaker != nil && !execRec.Cancelled {
		o.breaker.RecordExecutionResult(pb.ID, execRec.Success)
	}

	started := time.Now()
	if execRec.Success {
		notes := fmt.Sprintf("resolved by playbook %s", pb.ID)
		if err := o.store.UpdateIncidentStatus(ctx, inc.ID, incident.StatusResolved, notes, map[string]interface{}{
			"playbook": pb.ID,
		}); err != nil {
			log.Error().Err(err).Str("incidentID", inc.ID).Msg("Failed to mark incident resolved")
		}
		resolution := started.Sub(inc.DetectedAt)
		if resolution < 0 {
			resolution = 0
		}
		telemetry.RecordRemediation(pb.ID, true, resolution)
		if err := o.store.RecordLearningSuccess(ctx, inc, pb.ID, resolution); err != nil {
			log.Error().Err(err).Str("incidentID", inc.ID).Msg("Failed to record learning success")
		}
		out.Status = StatusResolved
		log.Info().
			Str("incidentID", inc.ID).
			Str("playbook", pb.ID).
			Msg("Incident remediated")
		return out, nil
	}

	telemetry.RecordRemediation(pb.ID, false, 0)
	o.fail(ctx, inc, fmt.Sprintf("playbook %s failed: %s", pb.ID, strings.TrimSpace(execRec.Stderr)))
	out.Status = StatusFailed
	out.Reason = execRec.Stderr
	return out, nil
}

// Thresholds a learning record must clear before its playbook overrides the
// analyzer recommendation.
const (
	learnedMinAttempts = 3
	learnedMinRate     = 0.8
)

// learned returns the learning record for the incident's symptom pattern when
// its track record is strong enough to steer playbook selection.
func (o *Orchestrator) learned(ctx context.Context, inc *incident.Incident) *incident.LearningRecord {
	hash := incident.PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	rec, err := o.store.GetLearningRecord(ctx, hash)
	if err != nil || rec == nil || rec.SuccessfulPlaybook == "" {
		return nil
	}
	rate, ok := rec.SuccessRate()
	if !ok || rec.SuccessCount+rec.FailureCount < learnedMinAttempts || rate < learnedMinRate {
		return nil
	}
	if _, known := GetPlaybook(rec.SuccessfulPlaybook); !known {
		return nil
	}
	return rec
}

func (o *Orchestrator) run(ctx context.Context, pb Playbook, command, host string) (executor.Record, error) {
	timeout := pb.ExpectedTime * 2
	if timeout < time.Minute {
		timeout = time.Minute
	}
	if host != "" {
		if o.fleet == nil {
			return executor.Record{}, fmt.Errorf("no fleet runner configured for host %s", host)
		}
		return o.fleet.Run(ctx, host, command, timeout)
	}
	return o.runner.Execute(ctx, command, "remediation", executor.Options{Timeout: timeout}), nil
}

func (o *Orchestrator) escalate(ctx context.Context, inc *incident.Incident, reason string) {
	if err := o.store.UpdateIncidentStatus(ctx, inc.ID, incident.StatusEscalated, reason, nil); err != nil {
		log.Error().Err(err).Str("incidentID", inc.ID).Msg("Failed to escalate incident")
	}
	log.Warn().Str("incidentID", inc.ID).Str("reason", reason).Msg("Incident escalated")
}

func (o *Orchestrator) fail(ctx context.Context, inc *incident.Incident, reason string) {
	if err := o.store.UpdateIncidentStatus(ctx, inc.ID, incident.StatusFailed, reason, nil); err != nil {
		log.Error().Err(err).Str("incidentID", inc.ID).Msg("Failed to mark incident failed")
	}
	if err := o.store.RecordLearningFailure(ctx, inc); err != nil {
		log.Error().Err(err).Str("incidentID", inc.ID).Msg("Failed to record learning failure")
	}
}

func resolveTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
