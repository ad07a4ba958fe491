// Package validator classifies raw shell command strings against a layered
// catalog of forbidden and allowed rules. It is the first gate every command
// passes before the policy engine or the executor will touch it.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel classifies the potential impact of a command.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "SAFE"
	RiskLow       RiskLevel = "LOW_RISK"
	RiskMedium    RiskLevel = "MEDIUM_RISK"
	RiskHigh      RiskLevel = "HIGH_RISK"
	RiskForbidden RiskLevel = "FORBIDDEN"
)

// Verdict is the result of validating a single command string.
type Verdict struct {
	Allowed          bool      `json:"allowed"`
	RiskLevel        RiskLevel `json:"risk_level"`
	MatchedRule      string    `json:"matched_rule"`
	RequiresApproval bool      `json:"requires_approval"`
	Message          string    `json:"message"`
}

// MatcherKind distinguishes how a forbidden rule matches a command.
// The forbidden catalog is a single unified list; regex, substring, and
// path-prefix rules all live here so no second list can drift out of sync.
type MatcherKind string

const (
	MatchRegex      MatcherKind = "regex"
	MatchSubstring  MatcherKind = "substring"
	MatchPathPrefix MatcherKind = "path_prefix"
)

// ForbiddenRule matches commands that may never be executed. Forbidden rules
// carry no approval flag: there is nothing to approve.
type ForbiddenRule struct {
	Kind    MatcherKind
	Pattern string

	re *regexp.Regexp
}

func (r *ForbiddenRule) matches(command string) bool {
	switch r.Kind {
	case MatchRegex:
		return r.re.MatchString(command)
	case MatchSubstring:
		return strings.Contains(command, strings.ToLower(r.Pattern))
	case MatchPathPrefix:
		return referencesPath(command, r.Pattern)
	default:
		return false
	}
}

// AllowRule is a named class of permitted commands with a shared risk level
// and approval requirement. The first matching rule wins, so the registry is
// ordered from most specific to most general.
type AllowRule struct {
	Name             string
	Risk             RiskLevel
	RequiresApproval bool
	Patterns         []string

	compiled []*regexp.Regexp
}

// Validator evaluates commands against the compiled catalog.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	forbidden []ForbiddenRule
	allowed   []AllowRule
}

// New compiles the built-in catalog plus any extra rules. A pattern that
// fails to compile is a configuration error and the process must not start.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{
		forbidden: defaultForbiddenRules(),
		allowed:   defaultAllowRules(),
	}
	for _, opt := range opts {
		opt(v)
	}

	for i := range v.forbidden {
		r := &v.forbidden[i]
		if r.Kind != MatchRegex {
			continue
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("forbidden pattern %q: %w", r.Pattern, err)
		}
		r.re = re
	}

	for i := range v.allowed {
		rule := &v.allowed[i]
		if rule.Risk == RiskForbidden {
			return nil, fmt.Errorf("allow rule %q declares forbidden risk", rule.Name)
		}
		rule.compiled = make([]*regexp.Regexp, 0, len(rule.Patterns))
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("allow rule %q pattern %q: %w", rule.Name, p, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}

	return v, nil
}

// MustNew is New for wiring paths where a compile failure is fatal.
func MustNew(opts ...Option) *Validator {
	v, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return v
}

// Option customizes the validator catalog at construction time.
type Option func(*Validator)

// WithForbiddenRules appends extra forbidden rules to the built-in set.
func WithForbiddenRules(rules ...ForbiddenRule) Option {
	return func(v *Validator) {
		v.forbidden = append(v.forbidden, rules...)
	}
}

// WithAllowRules prepends extra allow rules so callers can register more
// specific classes ahead of the built-ins.
func WithAllowRules(rules ...AllowRule) Option {
	return func(v *Validator) {
		v.allowed = append(rules, v.allowed...)
	}
}

// Validate classifies a command. Evaluation order is significant: forbidden
// rules always outrank allowed ones, and within the allow registry the first
// match wins. The call is pure; identical inputs yield identical verdicts.
func (v *Validator) Validate(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{
			Allowed:   false,
			RiskLevel: RiskForbidden,
			Message:   "empty command",
		}
	}

	lowered := strings.ToLower(trimmed)
	for i := range v.forbidden {
		r := &v.forbidden[i]
		if r.matches(lowered) {
			return Verdict{
				Allowed:     false,
				RiskLevel:   RiskForbidden,
				MatchedRule: r.Pattern,
				Message:     fmt.Sprintf("command matches forbidden pattern %s", r.Pattern),
			}
		}
	}

	for i := range v.allowed {
		rule := &v.allowed[i]
		for _, re := range rule.compiled {
			if re.MatchString(lowered) {
				return Verdict{
					Allowed:          true,
					RiskLevel:        rule.Risk,
					MatchedRule:      rule.Name,
					RequiresApproval: rule.RequiresApproval,
					Message:          fmt.Sprintf("matched rule %s", rule.Name),
				}
			}
		}
	}

	return Verdict{
		Allowed:   false,
		RiskLevel: RiskForbidden,
		Message:   "command not in whitelist",
	}
}

// referencesPath reports whether any whitespace-separated token of the
// command resolves under the given path prefix.
func referencesPath(command, prefix string) bool {
	for _, tok := range strings.Fields(command) {
		tok = strings.Trim(tok, `"'`)
		if tok == prefix || strings.HasPrefix(tok, prefix+"/") {
			return true
		}
	}
	return false
}
