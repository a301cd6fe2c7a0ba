package heal

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

// Signature identifies a class of failure across documents. Phase 2 only
// fires when at least two documents share a signature; one-off failures stay
// in human-review territory.
type Signature struct {
	DocType constants.DocType `json:"doc_type"`
	Field   string            `json:"field"`
	Code    string            `json:"code"`
}

// minCasesForProposal is the systematic-failure threshold.
const minCasesForProposal = 2

// RuleProposal is an override rule the pipeline suggests appending. It is
// never applied by the healer itself.
type RuleProposal struct {
	Rule     rules.Rule `json:"rule"`
	Evidence []string   `json:"evidence"`
	Cases    []string   `json:"cases"`
}

// PatchProposal describes a code change for failures that are structural
// rather than pattern-expressible. Always requires human review.
type PatchProposal struct {
	Function            string   `json:"function"`
	Description         string   `json:"description"`
	Evidence            []string `json:"evidence"`
	Cases               []string `json:"cases"`
	RequiresHumanReview bool     `json:"requires_human_review"`
}

// Proposals is the Phase 2 output for a run.
type Proposals struct {
	Rules   []RuleProposal  `json:"rules,omitempty"`
	Patches []PatchProposal `json:"patches,omitempty"`
}

type failureCase struct {
	doc      string
	evidence string // verbatim label line from the text, "" when none found
	snippet  string // first non-empty line, fallback quote when no label line exists
}

type ledger struct {
	mu    sync.Mutex
	cases map[Signature][]failureCase
}

func newLedger() *ledger {
	return &ledger{cases: make(map[Signature][]failureCase)}
}

// fieldLabels are the labels a field is typically announced by. Used to pull
// a verbatim evidence line out of a failing document's text.
var fieldLabels = map[string][]string{
	"payer":        {"付款方", "付款人", "购买方", "购方名称"},
	"payee":        {"收款方", "收款人"},
	"seller":       {"销售方", "销方名称"},
	"date":         {"开票日期", "交易日期", "日期"},
	"amount":       {"价税合计", "合计", "金额"},
	"total_amount": {"价税合计", "合计"},
	"uid":          {"发票号码", "流水号", "凭证号"},
	"direction":    {"借贷", "收付"},
}

func (l *ledger) record(doc string, docType constants.DocType, text string, res *validate.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range res.Errors {
		sig := Signature{DocType: docType, Field: f.Field, Code: f.Code}
		l.cases[sig] = append(l.cases[sig], failureCase{
			doc:      doc,
			evidence: labelLine(text, f.Field),
			snippet:  firstLine(text),
		})
	}
}

// labelLine returns the first line of text carrying one of the field's known
// labels, verbatim.
func labelLine(text, field string) string {
	labels := fieldLabels[field]
	if len(labels) == 0 {
		return ""
	}
	for _, line := range strings.Split(text, "\n") {
		for _, label := range labels {
			if strings.Contains(line, label) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}

// firstLine returns the first non-empty line of text, verbatim.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

// Proposals drains the failure ledger into Phase 2 proposals. Signatures
// below the systematic threshold are dropped. A signature whose cases carry
// a labeled evidence line becomes a rule proposal; the rest, where the text
// shows the field but no pattern can reach it, become patch proposals.
func (h *Healer) Proposals() Proposals {
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()

	sigs := make([]Signature, 0, len(h.ledger.cases))
	for sig := range h.ledger.cases {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].DocType != sigs[j].DocType {
			return sigs[i].DocType < sigs[j].DocType
		}
		if sigs[i].Field != sigs[j].Field {
			return sigs[i].Field < sigs[j].Field
		}
		return sigs[i].Code < sigs[j].Code
	})

	var out Proposals
	for _, sig := range sigs {
		cases := h.ledger.cases[sig]
		if len(cases) < minCasesForProposal {
			continue
		}
		docs := make([]string, 0, len(cases))
		var evidence []string
		for _, c := range cases {
			docs = append(docs, c.doc)
			if c.evidence != "" {
				evidence = append(evidence, c.evidence)
			}
		}
		if len(evidence) == 0 {
			// Failure class with no label line anywhere: not expressible as
			// a pattern, so escalate as a code change quoting the documents'
			// opening lines. With nothing quotable at all the proposal is
			// dropped, a reviewer could not check it.
			var snippets []string
			for _, c := range cases {
				if c.snippet != "" {
					snippets = append(snippets, c.snippet)
				}
			}
			if len(snippets) == 0 {
				continue
			}
			out.Patches = append(out.Patches, PatchProposal{
				Function: "rules.SplitWideColumns",
				Description: fmt.Sprintf("%s/%s fails with %s across %d documents and no label line is present; likely a column-merge issue",
					sig.DocType, sig.Field, sig.Code, len(cases)),
				Evidence:            snippets,
				Cases:               docs,
				RequiresHumanReview: true,
			})
			continue
		}
		if rule, ok := h.proposeRule(sig, evidence[0]); ok {
			out.Rules = append(out.Rules, RuleProposal{Rule: rule, Evidence: evidence, Cases: docs})
			continue
		}
		out.Patches = append(out.Patches, PatchProposal{
			Function: "rules.NormalizeText",
			Description: fmt.Sprintf("%s/%s fails with %s; label line present but no value follows the label",
				sig.DocType, sig.Field, sig.Code),
			Evidence:            evidence,
			Cases:               docs,
			RequiresHumanReview: true,
		})
	}
	h.ledger.cases = make(map[Signature][]failureCase)
	return out
}

// proposeRule derives an override rule from one verbatim evidence line: the
// observed label, quoted literally, capturing the value that follows it. The
// priority sits a coarse step above the highest base priority so later
// proposals for the same field slot in without renumbering.
func (h *Healer) proposeRule(sig Signature, evidence string) (rules.Rule, bool) {
	label := matchedLabel(evidence, sig.Field)
	if label == "" {
		return rules.Rule{}, false
	}
	pattern := regexp.QuoteMeta(label) + `\s*[:：]?\s*([^\s]{1,60})`
	if _, err := regexp.Compile(pattern); err != nil {
		return rules.Rule{}, false
	}
	priority := coarseStepAbove(h.engine.MaxBasePriority(sig.DocType, sig.Field))
	return rules.Rule{
		ID:        "ov-" + uuid.NewString(),
		DocType:   sig.DocType,
		Field:     sig.Field,
		Priority:  priority,
		Pattern:   pattern,
		Rationale: fmt.Sprintf("proposed for recurring %s on %s", sig.Code, sig.DocType),
	}, true
}

func matchedLabel(evidence, field string) string {
	for _, label := range fieldLabels[field] {
		if strings.Contains(evidence, label) {
			return label
		}
	}
	return ""
}

// coarseStepAbove rounds up to the next multiple of 100 strictly above p.
func coarseStepAbove(p int) int {
	return (p/100 + 1) * 100
}
