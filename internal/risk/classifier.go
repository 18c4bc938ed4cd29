// Package risk classifies permission requests by how destructive the command
// looks. Classification is a pure function of tool and command text.
package risk

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/config"
)

type tier struct {
	level    approval.RiskLevel
	patterns []*regexp.Regexp
}

// Classifier evaluates an ordered cascade critical, high, medium. It is
// immutable once built and safe for concurrent use.
type Classifier struct {
	tiers      []tier
	shellTools map[string]struct{}
}

// NewClassifier compiles rules. Patterns are case-insensitive and match
// anywhere in the command.
func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{shellTools: make(map[string]struct{}, len(rules.ShellTools))}
	for _, spec := range []struct {
		level    approval.RiskLevel
		patterns []string
	}{
		{approval.RiskCritical, rules.Critical},
		{approval.RiskHigh, rules.High},
		{approval.RiskMedium, rules.Medium},
	} {
		t := tier{level: spec.level}
		for _, raw := range spec.patterns {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("%s pattern %q: %w", spec.level, raw, err)
			}
			t.patterns = append(t.patterns, re)
		}
		c.tiers = append(c.tiers, t)
	}
	for _, name := range rules.ShellTools {
		if name = normalizeToolName(name); name != "" {
			c.shellTools[name] = struct{}{}
		}
	}
	return c, nil
}

// Default returns the classifier for the built-in rules.
func Default() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// FromConfig builds the built-in rules followed by config extras and the
// optional YAML rules file.
func FromConfig(cfg config.RiskConfig) (*Classifier, error) {
	rules := DefaultRules().Append(Rules{
		Critical:   cfg.Critical,
		High:       cfg.High,
		Medium:     cfg.Medium,
		ShellTools: cfg.ShellTools,
	})
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		extra, err := LoadRulesFile(path)
		if err != nil {
			return nil, err
		}
		rules = rules.Append(extra)
	}
	return NewClassifier(rules)
}

// LoadRulesFile reads a YAML rule set.
func LoadRulesFile(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read risk rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse risk rules %s: %w", path, err)
	}
	return rules, nil
}

// Classify returns the risk level for a tool invocation.
func (c *Classifier) Classify(tool, command string) approval.RiskLevel {
	return c.Explain(tool, command).Level
}

// Explain is Classify plus the rule that decided it.
func (c *Classifier) Explain(tool, command string) Match {
	if command != "" {
		for _, t := range c.tiers {
			for _, re := range t.patterns {
				if re.MatchString(command) {
					return Match{Level: t.level, Pattern: re.String()[len("(?i)"):]}
				}
			}
		}
	}
	if _, ok := c.shellTools[normalizeToolName(tool)]; ok {
		return Match{Level: approval.RiskMedium, Shell: true}
	}
	return Match{Level: approval.RiskLow}
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
