package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Severity of a matched rule.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityBlock:
		return "block"
	default:
		return "unknown"
	}
}

// MatchKind selects how a rule pattern is applied to the normalized command.
type MatchKind string

const (
	MatchSubstring MatchKind = "substring"
	MatchGlob      MatchKind = "glob"
	MatchRegex     MatchKind = "regex"
)

// Rule is one entry in the ordered pre-screen table. Rules are data, not
// code: the engine compiles whatever table it is given.
type Rule struct {
	Name     string    `yaml:"name" json:"name"`
	Match    MatchKind `yaml:"match" json:"match"`
	Pattern  string    `yaml:"pattern" json:"pattern"`
	Severity string    `yaml:"severity" json:"severity"`
	Reason   string    `yaml:"reason" json:"reason"`
}

// Outcome of a policy evaluation.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeBlock Outcome = "block"
)

// RuleMatch records one rule that matched during evaluation.
type RuleMatch struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Decision is the result of evaluating one command against the rule table.
type Decision struct {
	Outcome  Outcome     `json:"outcome"`
	Rule     string      `json:"rule,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Warnings []RuleMatch `json:"warnings,omitempty"`
}

// Blocked reports whether the decision forbids execution.
func (d Decision) Blocked() bool {
	return d.Outcome == OutcomeBlock
}

type compiledRule struct {
	rule     Rule
	severity Severity
	re       *regexp.Regexp // nil for substring/glob
}

// Engine evaluates commands against an immutable, ordered rule table.
// Construction compiles every pattern once; Evaluate holds no state and is
// safe for unsynchronized concurrent use.
type Engine struct {
	rules []compiledRule
}

// New compiles a rule table into an Engine. Rule order is evaluation order.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{rule: r}

		switch r.Severity {
		case "block":
			cr.severity = SeverityBlock
		case "warn":
			cr.severity = SeverityWarn
		default:
			return nil, fmt.Errorf("rule %d (%s): severity must be block or warn, got %q", i, r.Name, r.Severity)
		}

		switch r.Match {
		case MatchSubstring, MatchGlob:
		case MatchRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): compiling pattern: %w", i, r.Name, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("rule %d (%s): match must be substring, glob, or regex, got %q", i, r.Name, r.Match)
		}

		compiled = append(compiled, cr)
	}
	return &Engine{rules: compiled}, nil
}

// Evaluate walks the rule table in order against the normalized command.
// The first matching block rule wins and short-circuits; warn matches are
// collected but never prevent execution. No rule matching means allow.
func (e *Engine) Evaluate(command string) Decision {
	normalized := Normalize(command)

	decision := Decision{Outcome: OutcomeAllow}
	for _, cr := range e.rules {
		if !cr.matches(normalized) {
			continue
		}

		if cr.severity == SeverityBlock {
			log.Warn().
				Str("rule", cr.rule.Name).
				Str("command", normalized).
				Msg("command blocked by policy")
			return Decision{
				Outcome:  OutcomeBlock,
				Rule:     cr.rule.Name,
				Reason:   cr.rule.Reason,
				Warnings: decision.Warnings,
			}
		}

		decision.Warnings = append(decision.Warnings, RuleMatch{
			Rule:     cr.rule.Name,
			Severity: cr.severity.String(),
			Reason:   cr.rule.Reason,
		})
	}
	return decision
}

func (cr *compiledRule) matches(normalized string) bool {
	switch cr.rule.Match {
	case MatchSubstring:
		return strings.Contains(normalized, strings.ToLower(cr.rule.Pattern))
	case MatchGlob:
		ok, err := path.Match(strings.ToLower(cr.rule.Pattern), normalized)
		return err == nil && ok
	case MatchRegex:
		return cr.re.MatchString(normalized)
	}
	return false
}

// Normalize trims, collapses internal whitespace, and case-folds a command
// so that semantically equivalent spellings match the same rules.
func Normalize(command string) string {
	return strings.ToLower(strings.Join(strings.Fields(command), " "))
}
