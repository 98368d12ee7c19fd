// Package rules implements the declarative metadata rule engine. Rules are
// loaded from a YAML document at startup and evaluated by a fixed
// interpreter against each candidate event; operators change detection
// behavior by editing configuration, never code.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"hackstone/internal/model"
)

// Match describes the predicate side of a rule. A rule matches when ANY of
// the path keywords, the path regex, or the extension list hits, AND the
// size bounds (when present) are satisfied.
type Match struct {
	PathKeywords []string `yaml:"path_keywords"`
	PathRegex    string   `yaml:"path_regex"`
	Extensions   []string `yaml:"extensions"`
	MinSizeBytes *int64   `yaml:"min_size_bytes"`
	MaxSizeMB    *float64 `yaml:"max_size_mb"`
}

// Rule is one operator-configured enrichment rule.
type Rule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Match       Match  `yaml:"match"`

	// Environment applicability. An empty include list applies everywhere;
	// the exclude list always wins.
	Environments        []string `yaml:"environments"`
	ExcludeEnvironments []string `yaml:"exclude_environments"`

	BaseSeverity       model.Severity                     `yaml:"base_severity"`
	SeverityModifiers  map[model.EventType]model.Severity `yaml:"severity_modifiers"`
	RiskScore          int                                `yaml:"risk_score"`
	DataClassification model.Classification               `yaml:"data_classification"`
	Tags               []string                           `yaml:"tags"`
	Mitre              []model.MitreTechnique             `yaml:"mitre"`
	RecommendedAction  string                             `yaml:"recommended_action"`
	AlertPolicy        string                             `yaml:"alert_policy"`

	regex *regexp.Regexp
}

// compile validates the rule and precompiles its regex.
func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if r.Match.PathRegex != "" {
		re, err := regexp.Compile(r.Match.PathRegex)
		if err != nil {
			return fmt.Errorf("rule %s: bad path_regex: %w", r.ID, err)
		}
		r.regex = re
	}
	return nil
}

// appliesTo checks the rule's environment constraints.
func (r *Rule) appliesTo(environment string) bool {
	for _, ex := range r.ExcludeEnvironments {
		if strings.EqualFold(ex, environment) {
			return false
		}
	}
	if len(r.Environments) == 0 {
		return true
	}
	for _, in := range r.Environments {
		if strings.EqualFold(in, environment) {
			return true
		}
	}
	return false
}

// matches evaluates the rule predicate against a candidate.
func (r *Rule) matches(lowerPath, ext string, size *int64) bool {
	hit := false
	for _, kw := range r.Match.PathKeywords {
		if strings.Contains(lowerPath, strings.ToLower(kw)) {
			hit = true
			break
		}
	}
	if !hit && r.regex != nil && r.regex.MatchString(lowerPath) {
		hit = true
	}
	if !hit {
		for _, e := range r.Match.Extensions {
			if ext == strings.ToLower(e) {
				hit = true
				break
			}
		}
	}
	if !hit {
		return false
	}

	if r.Match.MinSizeBytes != nil {
		if size == nil || *size < *r.Match.MinSizeBytes {
			return false
		}
	}
	if r.Match.MaxSizeMB != nil {
		if size == nil || float64(*size) > *r.Match.MaxSizeMB*1024*1024 {
			return false
		}
	}
	return true
}

// Engine evaluates the loaded rule set against events. Rules are read-only
// after construction.
type Engine struct {
	rules       []Rule
	environment string
}

// NewEngine compiles the rule set for the running environment name.
func NewEngine(rules []Rule, environment string) (*Engine, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.compile(); err != nil {
			return nil, err
		}
		compiled = append(compiled, r)
	}
	return &Engine{rules: compiled, environment: environment}, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Evaluate enriches the event in place with every matching rule.
//
// Severity and data classification only ever escalate. The risk score is the
// maximum of the current score and any rule-provided score. Tags are
// unioned, MITRE triples appended when well formed, and recommended_action /
// alert_policy follow last-match-wins.
func (e *Engine) Evaluate(ev *model.Event) {
	lowerPath := strings.ToLower(ev.Path)
	ext := extensionOf(lowerPath)
	var size *int64
	if ev.Metadata != nil {
		size = ev.Metadata.Size
	}

	for i := range e.rules {
		r := &e.rules[i]
		if !r.appliesTo(e.environment) {
			continue
		}
		if !r.matches(lowerPath, ext, size) {
			continue
		}

		ev.RuleMatches = append(ev.RuleMatches, r.describe())

		sev := r.BaseSeverity
		if mod, ok := r.SeverityModifiers[ev.Type]; ok {
			sev = mod
		}
		ev.Severity = model.MaxSeverity(ev.Severity, sev)

		if r.RiskScore > ev.Risk.Score {
			ev.Risk.Score = r.RiskScore
		}
		ev.DataClassification = model.MaxClassification(ev.DataClassification, r.DataClassification)
		ev.AddTags(r.Tags...)
		for _, m := range r.Mitre {
			if m.WellFormed() && !ev.HasMitre(m.TechniqueID) {
				ev.Mitre = append(ev.Mitre, m)
			}
		}
		if r.RecommendedAction != "" {
			ev.RecommendedAction = r.RecommendedAction
		}
		if r.AlertPolicy != "" {
			ev.AlertPolicy = r.AlertPolicy
		}
	}
}

// describe returns the rule identification recorded on matched events.
func (r *Rule) describe() string {
	if r.Description == "" {
		return r.ID
	}
	return r.ID + ": " + r.Description
}

// extensionOf returns the lower-cased extension including the dot.
func extensionOf(lowerPath string) string {
	idx := strings.LastIndexByte(lowerPath, '.')
	if idx < 0 || idx == len(lowerPath)-1 {
		return ""
	}
	slash := strings.LastIndexByte(lowerPath, '/')
	if idx < slash {
		return ""
	}
	return lowerPath[idx:]
}
