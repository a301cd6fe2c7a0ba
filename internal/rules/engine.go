package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

// FieldType is the semantic type of a field; captured values that are not
// structurally plausible for their type are treated as non-matches.
type FieldType int

const (
	TypeText FieldType = iota
	TypeDate
	TypeMoney
	TypeIdentifier
	TypeEntity
)

// fieldTypes assigns each known field its semantic type.
var fieldTypes = map[string]FieldType{
	"payer":             TypeEntity,
	"payee":             TypeEntity,
	"seller":            TypeEntity,
	"date":              TypeDate,
	"amount":            TypeMoney,
	"total_amount":      TypeMoney,
	"tax_amount":        TypeMoney,
	"uid":               TypeIdentifier,
	"buyer_tax_id":      TypeIdentifier,
	"seller_tax_id":     TypeIdentifier,
	"payer_tax_id":      TypeIdentifier,
	"reconcile_VAT_num": TypeIdentifier,
	"project_name":      TypeText,
	"currency":          TypeText,
	"direction":         TypeText,
}

// fieldsByDocType lists the fields the engine attempts per document type,
// common fields first.
var fieldsByDocType = map[constants.DocType][]string{
	constants.VATInvoice: {
		"payer", "amount", "uid", "date", "currency",
		"seller", "seller_tax_id", "buyer_tax_id", "project_name", "tax_amount",
	},
	constants.VATInvalidInvoice: {
		"payer", "amount", "uid", "date", "currency",
		"seller", "seller_tax_id", "buyer_tax_id", "project_name", "tax_amount",
	},
	constants.BankReceipt: {
		"payer", "amount", "uid", "date", "currency", "payee", "direction",
	},
	constants.TaxCertificate: {
		"payer", "amount", "uid", "date", "currency", "payer_tax_id",
	},
}

var (
	reNumericOnly = regexp.MustCompile(`^[0-9.,\-\s，]+$`)
	reIdentifier  = regexp.MustCompile(`^[A-Za-z0-9]{4,32}$`)
	reISODate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Engine resolves fields from raw text using an immutable base rule layer
// and an append-only override layer. Safe for concurrent use; appends take
// the write lock.
type Engine struct {
	logger *slog.Logger

	mu          sync.RWMutex
	base        []*Rule
	overrides   []*Rule
	ids         map[string]Layer
	docPatterns map[constants.DocType][]*regexp.Regexp
}

// NewEngine compiles the base pack and layers the override pack on top.
// Base rules are frozen from here on. Override entries that collide with an
// existing identity are ignored with a warning; they never displace a rule.
func NewEngine(base *Pack, overrides *Pack, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:      logger,
		ids:         make(map[string]Layer),
		docPatterns: make(map[constants.DocType][]*regexp.Regexp),
	}
	for dt, pats := range base.DocPatterns {
		for _, p := range pats {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("doc pattern %q: %w", p, err)
			}
			e.docPatterns[dt] = append(e.docPatterns[dt], re)
		}
	}
	for i := range base.Rules {
		r := base.Rules[i] // copy; the caller's pack stays untouched
		r.layer = LayerBase
		r.seq = len(e.base)
		if err := r.compile(); err != nil {
			return nil, err
		}
		if _, dup := e.ids[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id in base pack: %s", r.ID)
		}
		e.ids[r.ID] = LayerBase
		e.base = append(e.base, &r)
	}
	if overrides != nil {
		for i := range overrides.Rules {
			if err := e.AppendOverride(overrides.Rules[i]); err != nil {
				// load-time collisions are logged and skipped, never fatal
				e.logger.Warn("rules.override.rejected", "rule_id", overrides.Rules[i].ID, "error", err)
			}
		}
	}
	return e, nil
}

// AppendOverride adds one rule to the override layer. Identities are global
// and never reused; a collision with any existing rule is rejected.
func (e *Engine) AppendOverride(r Rule) error {
	if r.ID == "" || r.Field == "" || r.Pattern == "" {
		return fmt.Errorf("override rule missing id, field or pattern")
	}
	if err := r.compile(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.ids[r.ID]; dup {
		return fmt.Errorf("duplicate rule id: %s", r.ID)
	}
	r.layer = LayerOverride
	r.seq = len(e.overrides)
	e.ids[r.ID] = LayerOverride
	e.overrides = append(e.overrides, &r)
	return nil
}

// RuleCount returns (base, override) rule counts.
func (e *Engine) RuleCount() (int, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.base), len(e.overrides)
}

// MaxBasePriority returns the highest base priority declared for the given
// (document type, field), or 0 when no base rule targets it. Healing uses it
// to pick override priorities in coarse steps.
func (e *Engine) MaxBasePriority(docType constants.DocType, field string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	max := 0
	for _, r := range e.base {
		if r.Field == field && ruleApplies(r, docType) && r.Priority > max {
			max = r.Priority
		}
	}
	return max
}

func ruleApplies(r *Rule, docType constants.DocType) bool {
	if r.DocType == constants.DocTypeCommon || r.DocType == docType {
		return true
	}
	// red-flush invoices share the ordinary invoice rule set
	return docType == constants.VATInvalidInvoice && r.DocType == constants.VATInvoice
}

// candidates returns every enabled rule for (docType, field) in resolution
// order: priority descending, override layer before base at equal priority,
// declaration order within a layer.
func (e *Engine) candidates(docType constants.DocType, field string) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Rule
	for _, r := range e.overrides {
		if !r.Disabled && r.Field == field && ruleApplies(r, docType) {
			out = append(out, r)
		}
	}
	for _, r := range e.base {
		if !r.Disabled && r.Field == field && ruleApplies(r, docType) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].layer != out[j].layer {
			return out[i].layer == LayerOverride
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// ExtractFields resolves every field of the document type from text.
// First-match-wins: the highest-ranked rule whose captured value is
// plausible for the field's semantic type supplies the value and no further
// rules for that field run. Unmatched fields stay absent, never guessed.
func (e *Engine) ExtractFields(docType constants.DocType, text string) FieldMap {
	fields := make(FieldMap)
	if docType == constants.DocTypeUnknown {
		return fields
	}
	normalized := NormalizeText(text)
	for _, field := range fieldsByDocType[docType] {
		for _, r := range e.candidates(docType, field) {
			m := r.re.FindStringSubmatch(normalized)
			if m == nil {
				continue
			}
			value, ok := coerce(field, m[1])
			if !ok {
				e.logger.Debug("rules.match.implausible", "rule_id", r.ID, "field", field, "captured", m[1])
				continue
			}
			fields.Set(field, value, strings.TrimSpace(m[0]), r.ID)
			break
		}
	}
	e.derive(docType, normalized, fields)
	return fields
}

// coerce cleans a captured value according to its field's semantic type and
// reports whether the result is structurally plausible.
func coerce(field, captured string) (string, bool) {
	switch fieldTypes[field] {
	case TypeDate:
		v := NormalizeDateString(captured)
		return v, reISODate.MatchString(v)
	case TypeMoney:
		v := NormalizeAmount(captured)
		return v, v != ""
	case TypeIdentifier:
		v := strings.TrimSpace(captured)
		if field == "uid" {
			v = NormalizeBankReceiptUID(v)
		}
		return v, reIdentifier.MatchString(v)
	case TypeEntity:
		v := CleanValue(captured)
		return v, len([]rune(v)) >= 2 && !reNumericOnly.MatchString(v)
	default:
		v := CleanValue(captured)
		return v, v != ""
	}
}
