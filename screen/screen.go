// Package screen applies rule-based screening to assistant text before
// it reaches listeners.
//
// Rules come from YAML or the built-in defaults. Each rule carries
// keywords (matched case-insensitively on word boundaries), raw
// regular-expression patterns, and a severity. Evaluation picks the
// highest-severity match: block replaces the entire text with the
// rule's action message, rewrite substitutes the offending spans, warn
// passes the text through and only logs.
package screen

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

// Severity orders rule outcomes: block > rewrite > warn.
type Severity string

const (
	SeverityWarn    Severity = "warn"
	SeverityRewrite Severity = "rewrite"
	SeverityBlock   Severity = "block"
)

// removedMessage stands in for a blocked text when the rule does not
// provide its own action message.
const removedMessage = "[message removed]"

// Valid reports whether the severity is one of the three known levels.
func (s Severity) Valid() bool {
	return s == SeverityWarn || s == SeverityRewrite || s == SeverityBlock
}

func (s Severity) rank() int {
	switch s {
	case SeverityBlock:
		return 3
	case SeverityRewrite:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

func (s Severity) action() string {
	switch s {
	case SeverityBlock:
		return metrics.ActionBlock
	case SeverityRewrite:
		return metrics.ActionRewrite
	default:
		return metrics.ActionWarn
	}
}

// Rule is one screening rule. Keywords match case-insensitively on
// word boundaries; Patterns are compiled verbatim, so authors control
// their own flags.
type Rule struct {
	ID            string   `yaml:"id" json:"id"`
	Category      string   `yaml:"category" json:"category"`
	Severity      Severity `yaml:"severity" json:"severity"`
	Keywords      []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns      []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	ActionMessage string   `yaml:"action_message,omitempty" json:"action_message,omitempty"`
}

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

// Screener evaluates text against a compiled rule set.
type Screener struct {
	rules []compiledRule
}

// Result is the outcome of screening one piece of text.
type Result struct {
	// Text is what should be delivered to listeners.
	Text string

	// RuleID names the matched rule; empty when the text is clean.
	RuleID   string
	Category string
	Severity Severity
}

// Hit reports whether any rule matched.
func (r Result) Hit() bool {
	return r.RuleID != ""
}

// NewScreener compiles the rule set. A nil or empty set is allowed and
// screens nothing.
func NewScreener(rules []Rule) (*Screener, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("screening rule without an id")
		}
		if !rule.Severity.Valid() {
			return nil, fmt.Errorf("rule %s: unknown severity %q", rule.ID, rule.Severity)
		}
		if len(rule.Keywords) == 0 && len(rule.Patterns) == 0 {
			return nil, fmt.Errorf("rule %s: no keywords or patterns", rule.ID)
		}

		patterns := make([]*regexp.Regexp, 0, len(rule.Keywords)+len(rule.Patterns))
		for _, keyword := range rule.Keywords {
			patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(keyword)+`\b`))
		}
		for _, raw := range rule.Patterns {
			pattern, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("rule %s: compile pattern %q: %w", rule.ID, raw, err)
			}
			patterns = append(patterns, pattern)
		}

		compiled = append(compiled, compiledRule{rule: rule, patterns: patterns})
	}
	return &Screener{rules: compiled}, nil
}

// NewScreenerFromFile loads a YAML rules file and compiles it.
func NewScreenerFromFile(path string) (*Screener, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return NewScreener(rules)
}

// LoadRules reads screening rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	return file.Rules, nil
}

// DefaultRules returns the built-in compliance screens applied when no
// rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "off-label-discussion",
			Category: "compliance",
			Severity: SeverityBlock,
			Keywords: []string{"off-label", "off label", "unapproved indication"},
			ActionMessage: "That topic needs to go through Medical Affairs. " +
				"Let's keep this call to the approved labeling.",
		},
		{
			ID:            "dosing-guidance",
			Category:      "compliance",
			Severity:      SeverityRewrite,
			Patterns:      []string{`(?i)\b(double|triple|halve)\s+(the\s+)?dose\b`},
			ActionMessage: "[see prescribing information]",
		},
		{
			ID:       "adverse-event-language",
			Category: "safety",
			Severity: SeverityWarn,
			Keywords: []string{"adverse event", "hospitalized", "emergency room"},
		},
	}
}

// Rules returns a copy of the rule set.
func (s *Screener) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	for i, c := range s.rules {
		out[i] = c.rule
	}
	return out
}

// Screen evaluates text against the rule set and returns the text to
// deliver. With multiple matches the highest severity wins; among equal
// severities the first-listed rule wins. A nil screener passes all text
// through unchanged.
func (s *Screener) Screen(sessionID, text string) Result {
	clean := Result{Text: text}
	if s == nil || text == "" || len(s.rules) == 0 {
		return clean
	}

	best := -1
	for i, candidate := range s.rules {
		if best >= 0 && candidate.rule.Severity.rank() <= s.rules[best].rule.Severity.rank() {
			continue
		}
		for _, pattern := range candidate.patterns {
			if pattern.MatchString(text) {
				best = i
				break
			}
		}
	}
	if best < 0 {
		return clean
	}

	matched := s.rules[best]
	rule := matched.rule
	metrics.RecordGuardrailHit(rule.ID, rule.Severity.action())
	logger.Warn("Guardrail hit on assistant text",
		"session_id", sessionID,
		"rule", rule.ID,
		"category", rule.Category,
		"action", rule.Severity.action(),
	)

	result := Result{
		Text:     text,
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
	}

	switch rule.Severity {
	case SeverityBlock:
		if rule.ActionMessage != "" {
			result.Text = rule.ActionMessage
		} else {
			result.Text = removedMessage
		}
	case SeverityRewrite:
		replacement := rule.ActionMessage
		if replacement == "" {
			replacement = "[redacted]"
		}
		for _, pattern := range matched.patterns {
			result.Text = pattern.ReplaceAllLiteralString(result.Text, replacement)
		}
	case SeverityWarn:
		// Text passes through; the log line above is the action.
	}
	return result
}
