// Package agent binds action definitions to executions. One call runs the
// full cycle: policy check, execution, result recording, persistence.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/executor"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/policy"
)

// Initiator identifies autonomous executions in the audit trail.
const Initiator = "autonomous"

// CommandRunner is the slice of the executor the agent uses.
type CommandRunner interface {
	DryRun(command, initiator string) executor.Record
	Execute(ctx context.Context, command, initiator string, opts executor.Options) executor.Record
}

// ActionStore persists executed actions.
type ActionStore interface {
	InsertAction(ctx context.Context, rec incident.ActionRecord) error
}

// Result is the outcome of one action run.
type Result struct {
	Action     string            `json:"action"`
	Tier       catalog.Tier      `json:"tier"`
	Success    bool              `json:"success"`
	Decision   policy.Outcome    `json:"decision"`
	Reason     string            `json:"reason,omitempty"`
	Execution  *executor.Record  `json:"execution,omitempty"`
	Policy     *policy.Decision  `json:"policy,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Metrics aggregates the agent's counters.
type Metrics struct {
	Total            int64            `json:"total"`
	Successful       int64            `json:"successful"`
	Failed           int64            `json:"failed"`
	PerTier          map[string]int64 `json:"per_tier"`
	PolicyRejections int64            `json:"policy_rejections"`
	PolicyDeferrals  int64            `json:"policy_deferrals"`
	PolicyStats      policy.Stats     `json:"policy_stats"`
}

// Agent runs catalog actions under policy control.
type Agent struct {
	catalog *catalog.Catalog
	engine  *policy.Engine
	runner  CommandRunner
	store   ActionStore

	mu               sync.Mutex
	total            int64
	successful       int64
	failed           int64
	perTier          map[catalog.Tier]int64
	policyRejections int64
	policyDeferrals  int64
}

// New creates an agent. store may be nil for dry-run-only use.
func New(cat *catalog.Catalog, engine *policy.Engine, runner CommandRunner, store ActionStore) *Agent {
	return &Agent{
		catalog: cat,
		engine:  engine,
		runner:  runner,
		store:   store,
		perTier: make(map[catalog.Tier]int64),
	}
}

// ExecuteAction runs one named action through the complete cycle.
// Errors from collaborators are folded into the result, never raised.
func (a *Agent) ExecuteAction(ctx context.Context, name string, dryRun bool, params map[string]string) Result {
	started := time.Now()
	res := Result{Action: name, StartedAt: started.UTC(), Params: params}

	defer func() {
		res.DurationMS = time.Since(started).Milliseconds()
		a.count(res)
	}()

	decision := a.engine.Evaluate(ctx, name, params)
	res.Decision = decision.Outcome
	res.Tier = decision.Tier
	res.Policy = &decision
	res.Reason = decision.Reason

	if decision.Outcome != policy.Approve {
		log.Debug().
			Str("action", name).
			Str("decision", string(decision.Outcome)).
			Str("reason", decision.Reason).
			Msg("Action not approved")
		return res
	}

	def, ok := a.catalog.Get(name)
	if !ok {
		// The engine approved a name the catalog no longer knows; treat as a
		// configuration fault.
		res.Error = fmt.Sprintf("action %s approved but not in catalog", name)
		return res
	}

	command := catalog.ResolveCommand(def, params)

	var rec executor.Record
	if dryRun {
		rec = a.runner.DryRun(command, Initiator)
	} else {
		rec = a.runner.Execute(ctx, command, Initiator, executor.Options{
			Timeout: time.Duration(def.TimeoutSeconds) * time.Second,
		})
	}
	res.Execution = &rec
	res.Success = rec.Success

	if !dryRun {
		// A cancelled run says nothing about the command; only real outcomes
		// feed the breaker.
		if !rec.Cancelled {
			a.engine.RecordExecutionResult(name, rec.Success)
		}
		a.persist(ctx, name, def, decision, rec)
	}

	if !rec.Success && res.Error == "" {
		res.Error = rec.Stderr
	}
	return res
}

func (a *Agent) persist(ctx context.Context, name string, def catalog.Definition, decision policy.Decision, rec executor.Record) {
	if a.store == nil {
		return
	}
	err := a.store.InsertAction(ctx, incident.ActionRecord{
		ActionName:     name,
		Command:        rec.Command,
		RiskLevel:      string(def.RiskLevel),
		ApprovalSource: Initiator,
		Success:        rec.Success,
		ExitCode:       rec.ExitCode,
		DurationMS:     rec.DurationMS,
		ExecutedAt:     rec.StartedAt,
		Metadata: map[string]interface{}{
			"autonomous":      true,
			"tier":            int(def.Tier),
			"tier_name":       def.Tier.String(),
			"category":        def.Category,
			"policy_decision": string(decision.Outcome),
		},
	})
	if err != nil {
		log.Error().Err(err).Str("action", name).Msg("Failed to persist action record")
	}
}

func (a *Agent) count(res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	switch res.Decision {
	case policy.Reject:
		a.policyRejections++
	case policy.Defer:
		a.policyDeferrals++
	}
	if res.Tier.Valid() {
		a.perTier[res.Tier]++
	}
	if res.Decision == policy.Approve {
		if res.Success {
			a.successful++
		} else {
			a.failed++
		}
	}
}

// ExecuteTierActions runs every action of a tier sequentially and returns
// the per-action results.
func (a *Agent) ExecuteTierActions(ctx context.Context, tier catalog.Tier, dryRun bool) []Result {
	defs := a.catalog.ByTier(tier)
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}
		results = append(results, a.ExecuteAction(ctx, def.Name, dryRun, nil))
	}
	return results
}

// RunDiagnostics runs all Tier-1 inspection actions.
func (a *Agent) RunDiagnostics(ctx context.Context, dryRun bool) []Result {
	return a.ExecuteTierActions(ctx, catalog.TierDiagnose, dryRun)
}

// RunRemediations runs all Tier-2 remediation actions.
func (a *Agent) RunRemediations(ctx context.Context, dryRun bool) []Result {
	return a.ExecuteTierActions(ctx, catalog.TierRemediate, dryRun)
}

// RunProactive runs all Tier-3 preventive actions.
func (a *Agent) RunProactive(ctx context.Context, dryRun bool) []Result {
	return a.ExecuteTierActions(ctx, catalog.TierProactive, dryRun)
}

// GetMetrics returns the aggregate counters plus the policy engine's stats.
func (a *Agent) GetMetrics() Metrics {
	a.mu.Lock()
	perTier := make(map[string]int64, len(a.perTier))
	for tier, n := range a.perTier {
		perTier[tier.String()] = n
	}
	m := Metrics{
		Total:            a.total,
		Successful:       a.successful,
		Failed:           a.failed,
		PerTier:          perTier,
		PolicyRejections: a.policyRejections,
		PolicyDeferrals:  a.policyDeferrals,
	}
	a.mu.Unlock()

	m.PolicyStats = a.engine.GetStats()
	return m
}
