package classifier

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RuleSpec is the YAML form of a Rule.
//
//	rules:
//	  - name: octane_out_of_vram
//	    kind: fatal
//	    pattern: 'OUT OF MEMORY'
//	  - name: octane_progress
//	    kind: sub_progress
//	    pattern: 'Octane: (\d+)% done'
type RuleSpec struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Literal bool   `yaml:"literal"`
	Phase   string `yaml:"phase"`
	Message string `yaml:"message"`
}

// RuleFile is the top-level YAML document.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// Compile validates s and builds the Rule.
func (s RuleSpec) Compile() (Rule, error) {
	if s.Name == "" {
		return Rule{}, errors.New("rule name is required")
	}
	kind, ok := ParseEventKind(s.Kind)
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Pattern == "" {
		return Rule{}, fmt.Errorf("rule %q: pattern is required", s.Name)
	}

	pattern := s.Pattern
	if s.Literal {
		pattern = regexp.QuoteMeta(pattern)
	}
	rule, err := NewRule(s.Name, kind, pattern)
	if err != nil {
		return Rule{}, err
	}

	if kind == EventPhaseChange {
		phase, ok := ParsePhase(s.Phase)
		if !ok {
			return Rule{}, fmt.Errorf("rule %q: phase rules need a phase (setup, main_render, finalize), got %q", s.Name, s.Phase)
		}
		rule.Phase = phase
	}

	if need := captureGroupsFor(kind); rule.Pattern.NumSubexp() < need {
		return Rule{}, fmt.Errorf("rule %q: kind %s needs %d capture group(s), pattern has %d",
			s.Name, kind, need, rule.Pattern.NumSubexp())
	}

	rule.Message = s.Message
	return rule, nil
}

func captureGroupsFor(kind EventKind) int {
	switch kind {
	case EventFrameStarted, EventSubProgress, EventFrameOrdinal:
		return 1
	case EventBlockProgress:
		return 2
	default:
		return 0
	}
}

// ParseRules decodes a YAML rule document. All invalid rules are reported.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return CompileSpecs(f.Rules)
}

// CompileSpecs compiles specs in order.
func CompileSpecs(specs []RuleSpec) ([]Rule, error) {
	var errs []error
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := s.Compile()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}
