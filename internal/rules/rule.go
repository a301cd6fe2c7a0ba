package rules

import (
	"fmt"
	"regexp"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

// Layer identifies which collection a rule belongs to. Base rules are
// immutable after load; override rules are append-only.
type Layer int

const (
	LayerBase Layer = iota
	LayerOverride
)

func (l Layer) String() string {
	if l == LayerOverride {
		return "override"
	}
	return "base"
}

// Rule maps a labeled region of raw text to one typed field value for a
// (document type, field) pair. Higher priority runs first.
type Rule struct {
	ID        string            `yaml:"id"`
	DocType   constants.DocType `yaml:"doc_type"`
	Field     string            `yaml:"field"`
	Priority  int               `yaml:"priority"`
	Pattern   string            `yaml:"pattern"`
	Disabled  bool              `yaml:"disabled,omitempty"`
	Rationale string            `yaml:"rationale,omitempty"`

	layer Layer
	seq   int // declaration order within its layer, ties broken by this
	re    *regexp.Regexp
}

func (r *Rule) compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: compile pattern: %w", r.ID, err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("rule %s: pattern needs one capture group", r.ID)
	}
	r.re = re
	return nil
}

// Field is one extracted value plus the verbatim span it came from.
type Field struct {
	Value    string `json:"value"`
	Evidence string `json:"evidence,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
}

// FieldMap holds every field extracted from one document.
type FieldMap map[string]Field

// Values flattens the map to field name -> value.
func (m FieldMap) Values() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

// Get returns the value for name, or "" when absent.
func (m FieldMap) Get(name string) string {
	return m[name].Value
}

// Set records a value with its evidence span.
func (m FieldMap) Set(name, value, evidence, ruleID string) {
	m[name] = Field{Value: value, Evidence: evidence, RuleID: ruleID}
}
