// Package heal repairs documents that failed validation. Phase 1 applies
// deterministic, evidence-bound normalizations and re-validates; Phase 2
// turns recurring failures into rule or patch proposals for a human or an
// external consumer to apply. Healing never invents a value that is absent
// from the extracted text and never alters the document type.
package heal

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

// Repair is one applied Phase 1 fix. Evidence is a verbatim span of the
// extracted text the repaired value derives from.
type Repair struct {
	Field    string `json:"field"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Evidence string `json:"evidence"`
	Action   string `json:"action"`
}

// Outcome is the result of healing one document.
type Outcome struct {
	Fields   rules.FieldMap
	Repairs  []Repair
	Result   *validate.Result
	Resolved bool
}

// Healer coordinates both phases. Safe for concurrent use; the failure
// ledger behind Phase 2 takes a lock.
type Healer struct {
	engine    *rules.Engine
	validator *validate.Validator
	logger    *slog.Logger

	ledger *ledger
}

// NewHealer wires the healer to the rule engine (for proposal priorities)
// and the validator (for re-validation after Phase 1).
func NewHealer(engine *rules.Engine, validator *validate.Validator, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		engine:    engine,
		validator: validator,
		logger:    logger,
		ledger:    newLedger(),
	}
}

var (
	// 合计-style total labels, most specific first.
	reTotalSmall = regexp.MustCompile(`(?:价税合计|合\s*计)[^\n]*?[(（]\s*小写\s*[)）]\s*[￥¥]?\s*([0-9,，]+(?:\.\d{1,2})?)`)
	reTotalPlain = regexp.MustCompile(`(?:价税合计|合\s*计)[^\n]*?[￥¥]\s*([0-9,，]+(?:\.\d{1,2})?)`)

	reAllSpace = regexp.MustCompile(`\s+`)
	reHan      = regexp.MustCompile(`\p{Han}`)
)

// Heal runs Phase 1 on one document. Already-valid documents are returned
// unchanged. When no repair applies, or repairs do not satisfy validation,
// the original values are preserved and the failure is recorded for Phase 2.
func (h *Healer) Heal(doc string, docType constants.DocType, fields rules.FieldMap, text string, res *validate.Result) Outcome {
	if res.Passed() {
		return Outcome{Fields: fields, Result: res, Resolved: true}
	}
	if res.RequiresHuman() {
		h.ledger.record(doc, docType, text, res)
		return Outcome{Fields: fields, Result: res}
	}

	repaired := make(rules.FieldMap, len(fields))
	for k, v := range fields {
		repaired[k] = v
	}

	var repairs []Repair
	for _, finding := range res.Errors {
		if r, ok := h.repairFinding(docType, finding, repaired, text); ok {
			repairs = append(repairs, r)
		}
	}
	if len(repairs) == 0 {
		h.ledger.record(doc, docType, text, res)
		return Outcome{Fields: fields, Result: res}
	}

	revalidated := h.validator.Validate(docType, repaired.Values(), text)
	if !revalidated.Passed() {
		h.ledger.record(doc, docType, text, revalidated)
		h.logger.Debug("heal.unresolved", "doc", doc, "repairs", len(repairs), "status", revalidated.Status)
		// fail-open: hand back the original values, not a half-repaired guess
		return Outcome{Fields: fields, Result: res}
	}
	h.logger.Info("heal.repaired", "doc", doc, "repairs", len(repairs))
	return Outcome{Fields: repaired, Repairs: repairs, Result: revalidated, Resolved: true}
}

// repairFinding attempts one deterministic fix for a single finding.
func (h *Healer) repairFinding(docType constants.DocType, f validate.Finding, fields rules.FieldMap, text string) (Repair, bool) {
	current := fields[f.Field]
	switch f.Code {
	case constants.CodeDateFormatInvalid:
		after := rules.NormalizeDateString(current.Value)
		return h.apply(fields, f.Field, current, after, "date_normalize")

	case constants.CodeAmountFormatInvalid:
		if after := rules.NormalizeAmount(current.Value); after != "" {
			return h.apply(fields, f.Field, current, after, "amount_normalize")
		}
		return h.substituteTotal(fields, f.Field, current, text)

	case constants.CodeRequiredFieldMissing, constants.CodeRequiredFieldEmpty:
		if f.Field == "amount" || f.Field == "total_amount" {
			return h.substituteTotal(fields, f.Field, current, text)
		}
		return Repair{}, false

	case constants.CodeUIDFormatInvalid:
		after := rules.NormalizeBankReceiptUID(current.Value)
		return h.apply(fields, f.Field, current, after, "uid_trim")

	case constants.CodeDirectionInvalid:
		after := rules.NormalizeDirection(current.Value)
		return h.apply(fields, f.Field, current, after, "direction_normalize")

	case constants.CodeNameWhitespace:
		after := squeezeName(current.Value)
		return h.apply(fields, f.Field, current, after, "name_whitespace")

	default:
		return Repair{}, false
	}
}

// apply records a repair when the fix actually changed the value. The
// repaired value derives from the field's original evidence span, so the
// evidence carries over.
func (h *Healer) apply(fields rules.FieldMap, name string, current rules.Field, after, action string) (Repair, bool) {
	if after == "" || after == current.Value {
		return Repair{}, false
	}
	fields[name] = rules.Field{Value: after, Evidence: current.Evidence, RuleID: current.RuleID}
	return Repair{
		Field:    name,
		Before:   current.Value,
		After:    after,
		Evidence: current.Evidence,
		Action:   action,
	}, true
}

// substituteTotal replaces a missing or broken amount with the
// best-evidenced 合计-labeled candidate from the text.
func (h *Healer) substituteTotal(fields rules.FieldMap, name string, current rules.Field, text string) (Repair, bool) {
	normalized := rules.NormalizeText(text)
	for _, re := range []*regexp.Regexp{reTotalSmall, reTotalPlain} {
		m := re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		after := rules.NormalizeAmount(m[1])
		if after == "" || after == current.Value {
			continue
		}
		fields[name] = rules.Field{Value: after, Evidence: strings.TrimSpace(m[0])}
		return Repair{
			Field:    name,
			Before:   current.Value,
			After:    after,
			Evidence: strings.TrimSpace(m[0]),
			Action:   "total_substitute",
		}, true
	}
	return Repair{}, false
}

// squeezeName drops whitespace from a CJK name and collapses runs to single
// spaces in a latin one.
func squeezeName(name string) string {
	if reHan.MatchString(name) {
		return reAllSpace.ReplaceAllString(name, "")
	}
	return strings.TrimSpace(reAllSpace.ReplaceAllString(name, " "))
}
