// Package policy decides whether a named action may run right now. It is the
// single decision point for autonomous execution: guardrails, rate limits,
// circuit breakers, preconditions, and safety checks all meet here. Every
// outcome is a structured Decision; the engine never raises on a business
// decision.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/telemetry"
)

// Outcome is the decision kind for one evaluation.
type Outcome string

const (
	Approve         Outcome = "approve"
	Reject          Outcome = "reject"
	Defer           Outcome = "defer"
	RequireApproval Outcome = "require_approval"
)

// Decision is the structured result of evaluating one action.
type Decision struct {
	Outcome            Outcome                `json:"decision"`
	Reason             string                 `json:"reason"`
	Tier               catalog.Tier           `json:"tier"`
	RiskLevel          catalog.RiskLevel      `json:"risk_level"`
	PreconditionsMet   bool                   `json:"preconditions_met"`
	SafetyChecksPassed bool                   `json:"safety_checks_passed"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Probes supply the environmental readings preconditions depend on.
type Probes interface {
	DiskUsagePercent(path string) (float64, error)
	MemoryUsedPercent() (float64, error)
	ServiceHealthy(ctx context.Context, service string) (bool, error)
}

// ForbiddenMatcher is one entry of the engine's stricter overlay on top of
// the command validator. Substring entries match case-insensitively;
// path entries match any token under the prefix.
type ForbiddenMatcher struct {
	Substring string
	Path      string
}

// Config carries the engine tunables.
type Config struct {
	MaxExecutionsPerHour int
	BreakerThreshold     int
	BreakerWindow        time.Duration
	Forbidden            []ForbiddenMatcher // appended to the default overlay
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxExecutionsPerHour: 10,
		BreakerThreshold:     3,
		BreakerWindow:        10 * time.Minute,
	}
}

// defaultOverlay is the engine's own forbidden list. The command validator
// already rejects these shapes in the general case; the overlay catches
// resolved templates where parameters smuggle a forbidden fragment past an
// otherwise safe template.
var defaultOverlay = []ForbiddenMatcher{
	{Substring: "rm -rf /"},
	{Substring: "mkfs"},
	{Substring: "dd if="},
	{Substring: ":(){"},
	{Substring: "--no-preserve-root"},
	{Path: "/boot"},
	{Path: "/etc/shadow"},
	{Path: "/etc/sudoers"},
	{Path: "/dev/sda"},
	{Path: "/dev/nvme0n1"},
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine evaluates actions and owns all rate-limit and breaker state. It is
// safe for concurrent use; evaluations and result recordings for a single
// action are linearized by the engine lock.
type Engine struct {
	catalog *catalog.Catalog
	probes  Probes
	config  Config
	overlay []ForbiddenMatcher

	mu               sync.Mutex
	executionHistory map[string][]time.Time
	failureHistory   map[string][]time.Time
	circuitOpen      map[string]bool

	now func() time.Time
}

// NewEngine creates a policy engine over an immutable catalog.
func NewEngine(cat *catalog.Catalog, probes Probes, cfg Config) *Engine {
	if cfg.MaxExecutionsPerHour <= 0 {
		cfg.MaxExecutionsPerHour = 10
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 10 * time.Minute
	}

	return &Engine{
		catalog:          cat,
		probes:           probes,
		config:           cfg,
		overlay:          append(append([]ForbiddenMatcher{}, defaultOverlay...), cfg.Forbidden...),
		executionHistory: make(map[string][]time.Time),
		failureHistory:   make(map[string][]time.Time),
		circuitOpen:      make(map[string]bool),
		now:              time.Now,
	}
}

// Evaluate runs the full decision sequence for an action. The order is
// significant and the first failing gate short-circuits.
func (e *Engine) Evaluate(ctx context.Context, name string, params map[string]string) Decision {
	d := e.evaluate(ctx, name, params)
	telemetry.RecordPolicyDecision(string(d.Outcome), name)
	return d
}

func (e *Engine) evaluate(ctx context.Context, name string, params map[string]string) Decision {
	def, ok := e.catalog.Get(name)
	if !ok {
		return Decision{
			Outcome: Reject,
			Reason:  fmt.Sprintf("action not found: %s", name),
		}
	}

	d := Decision{
		Tier:      def.Tier,
		RiskLevel: def.RiskLevel,
		Metadata:  map[string]interface{}{"action": name},
	}

	if def.RequiresApproval {
		d.Outcome = RequireApproval
		d.Reason = "action definition requires operator approval"
		return d
	}

	command := catalog.ResolveCommand(def, params)
	if hit, what := e.forbiddenHit(command); hit {
		d.Outcome = Reject
		d.Reason = fmt.Sprintf("command contains forbidden %s", what)
		d.RiskLevel = catalog.RiskCritical
		return d
	}

	e.mu.Lock()
	now := e.now()

	execs := pruneBefore(e.executionHistory[name], now.Add(-time.Hour))
	e.executionHistory[name] = execs
	if len(execs) >= e.config.MaxExecutionsPerHour {
		e.mu.Unlock()
		d.Outcome = Defer
		d.Reason = fmt.Sprintf("rate limit exceeded: %d executions in the last hour", len(execs))
		return d
	}

	if e.circuitOpen[name] {
		e.mu.Unlock()
		d.Outcome = Reject
		d.Reason = "circuit breaker is open for this action"
		return d
	}
	failures := pruneBefore(e.failureHistory[name], now.Add(-e.config.BreakerWindow))
	e.failureHistory[name] = failures
	if len(failures) >= e.config.BreakerThreshold {
		e.circuitOpen[name] = true
		e.mu.Unlock()
		telemetry.SetBreakerOpen(name, true)
		log.Warn().
			Str("action", name).
			Int("failures", len(failures)).
			Msg("Circuit breaker opened")
		d.Outcome = Reject
		d.Reason = fmt.Sprintf("circuit breaker opened after %d failures in %s", len(failures), e.config.BreakerWindow)
		return d
	}
	e.mu.Unlock()

	if met, reason := e.preconditionsMet(ctx, def); !met {
		d.Outcome = Defer
		d.Reason = reason
		return d
	}
	d.PreconditionsMet = true

	if ok, reason := e.safetyChecksPass(def, command, name); !ok {
		d.Outcome = Reject
		d.Reason = reason
		d.RiskLevel = catalog.RiskCritical
		return d
	}
	d.SafetyChecksPassed = true

	if def.AutoExecute && def.Tier.Valid() {
		e.mu.Lock()
		e.executionHistory[name] = append(e.executionHistory[name], e.now())
		e.mu.Unlock()
		d.Outcome = Approve
		d.Reason = "all policy gates passed"
		return d
	}

	d.Outcome = RequireApproval
	d.Reason = "action is not marked for autonomous execution"
	return d
}

func (e *Engine) forbiddenHit(command string) (bool, string) {
	lowered := strings.ToLower(command)
	for _, m := range e.overlay {
		if m.Substring != "" && strings.Contains(lowered, strings.ToLower(m.Substring)) {
			return true, fmt.Sprintf("operation %q", m.Substring)
		}
		if m.Path != "" && referencesPath(lowered, m.Path) {
			return true, fmt.Sprintf("path %q", m.Path)
		}
	}
	return false, ""
}

func referencesPath(command, prefix string) bool {
	for _, tok := range strings.Fields(command) {
		tok = strings.Trim(tok, `"'`)
		if tok == prefix || strings.HasPrefix(tok, prefix+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) preconditionsMet(ctx context.Context, def catalog.Definition) (bool, string) {
	for _, pc := range def.Preconditions {
		switch pc.Type {
		case catalog.PreconditionDiskUsage:
			pct, err := e.probes.DiskUsagePercent(pc.Path)
			if err != nil {
				return false, fmt.Sprintf("disk usage probe failed: %v", err)
			}
			if pct > pc.MaxPercent {
				return false, fmt.Sprintf("disk usage %.1f%% exceeds %.1f%% on %s", pct, pc.MaxPercent, pc.Path)
			}
		case catalog.PreconditionMemory:
			pct, err := e.probes.MemoryUsedPercent()
			if err != nil {
				return false, fmt.Sprintf("memory probe failed: %v", err)
			}
			if pct > pc.MaxPercent {
				return false, fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", pct, pc.MaxPercent)
			}
		case catalog.PreconditionServiceHealth:
			healthy, err := e.probes.ServiceHealthy(ctx, pc.Service)
			if err != nil {
				return false, fmt.Sprintf("service health probe failed for %s: %v", pc.Service, err)
			}
			if !healthy {
				return false, fmt.Sprintf("service %s is not healthy", pc.Service)
			}
		case catalog.PreconditionScheduledWindow:
			if !inScheduledWindow(pc.Schedule, e.now()) {
				return false, fmt.Sprintf("outside scheduled window %q", pc.Schedule)
			}
		}
	}
	return true, ""
}

// inScheduledWindow reports whether now falls in a minute matched by the
// cron spec.
func inScheduledWindow(spec string, now time.Time) bool {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		// The catalog validated the spec at load; a parse failure here is a
		// programmer error, treat as closed window.
		log.Error().Err(err).Str("schedule", spec).Msg("Invalid schedule slipped past catalog load")
		return false
	}
	next := sched.Next(now.Add(-time.Minute))
	return !next.After(now)
}

// writeKeywords are the operations a read-only action may never contain.
var writeKeywords = []string{
	"rm ", "mv ", "cp ", "dd ", "mkfs", "chmod", "chown",
	"truncate", "tee ", "sed -i", ">", ">>",
}

func (e *Engine) safetyChecksPass(def catalog.Definition, command, name string) (bool, string) {
	lowered := strings.ToLower(command)
	for _, sc := range def.SafetyChecks {
		switch sc.Type {
		case catalog.SafetyReadOnly:
			for _, kw := range writeKeywords {
				if strings.Contains(lowered, kw) {
					return false, fmt.Sprintf("read-only action contains write operation %q", strings.TrimSpace(kw))
				}
			}
		case catalog.SafetyPathWhitelist:
			for _, tok := range strings.Fields(lowered) {
				tok = strings.Trim(tok, `"'`)
				if !strings.HasPrefix(tok, "/") {
					continue
				}
				if !pathWhitelisted(tok, sc.Paths) {
					return false, fmt.Sprintf("path %s is outside the whitelist", tok)
				}
			}
		case catalog.SafetyRestartLimit:
			e.mu.Lock()
			count := len(pruneBefore(e.executionHistory[name], e.now().Add(-time.Hour)))
			e.mu.Unlock()
			if count >= sc.MaxPerHour {
				return false, fmt.Sprintf("restart limit reached: %d in the last hour (max %d)", count, sc.MaxPerHour)
			}
		}
	}
	return true, ""
}

func pathWhitelisted(path string, patterns []string) bool {
	for _, p := range patterns {
		if wildcard.Match(p, path) || strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// RecordExecutionResult feeds an execution outcome back into the breaker.
// Cancelled executions must not be recorded as failures.
func (e *Engine) RecordExecutionResult(name string, success bool) {
	if success {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureHistory[name] = append(e.failureHistory[name], e.now())
}

// ResetBreaker clears the breaker flag and the failure history atomically.
func (e *Engine) ResetBreaker(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.circuitOpen, name)
	delete(e.failureHistory, name)
	telemetry.SetBreakerOpen(name, false)
	log.Info().Str("action", name).Msg("Circuit breaker reset")
}

// Stats is the engine's observable state.
type Stats struct {
	ExecutionsLastHour map[string]int `json:"executions_last_hour"`
	OpenBreakers       []string       `json:"open_breakers"`
	KnownActions       []string       `json:"known_actions"`
	FailureCounts      map[string]int `json:"failure_counts"`
}

// GetStats returns a snapshot of rate and breaker state.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	stats := Stats{
		ExecutionsLastHour: make(map[string]int),
		FailureCounts:      make(map[string]int),
		KnownActions:       e.catalog.Names(),
	}
	for name, hist := range e.executionHistory {
		if n := len(pruneBefore(hist, now.Add(-time.Hour))); n > 0 {
			stats.ExecutionsLastHour[name] = n
		}
	}
	for name, hist := range e.failureHistory {
		if n := len(pruneBefore(hist, now.Add(-e.config.BreakerWindow))); n > 0 {
			stats.FailureCounts[name] = n
		}
	}
	for name, open := range e.circuitOpen {
		if open {
			stats.OpenBreakers = append(stats.OpenBreakers, name)
		}
	}
	return stats
}

func pruneBefore(history []time.Time, cutoff time.Time) []time.Time {
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
