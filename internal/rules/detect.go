package rules

import (
	"regexp"
	"strings"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

var (
	reTaxCertMarker = regexp.MustCompile(`税\s*收\s*完\s*税\s*证\s*明`)
	reReceiptMarker = regexp.MustCompile(`付款|收款`)
	reRedFlush      = regexp.MustCompile(`红冲`)
)

// DetectDocType classifies raw text. Certificate and receipt markers are
// checked first; remaining types are scored by how often their document
// patterns occur. Red-flush invoices are reclassified as invalid invoices.
func (e *Engine) DetectDocType(text string) constants.DocType {
	if reTaxCertMarker.MatchString(text) {
		return constants.TaxCertificate
	}
	if reReceiptMarker.MatchString(text) {
		return constants.BankReceipt
	}

	e.mu.RLock()
	patterns := e.docPatterns
	e.mu.RUnlock()

	best := constants.DocTypeUnknown
	bestScore := 0
	for dt, res := range patterns {
		score := 0
		for _, re := range res {
			score += len(re.FindAllStringIndex(text, -1))
		}
		if score > bestScore {
			best, bestScore = dt, score
		}
	}
	if best == constants.VATInvoice && reRedFlush.MatchString(text) {
		return constants.VATInvalidInvoice
	}
	return best
}

// IsBankName reports whether a counterparty name is actually a bank,
// branch or credit union name.
func IsBankName(name string) bool {
	if name == "" {
		return false
	}
	for _, kw := range []string{"银行", "分行", "支行", "信用社", "农村商业银行", "商业银行"} {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// LooksLikeCompanyName reports whether a captured span is plausibly an
// organization name rather than layout noise.
func LooksLikeCompanyName(name string) bool {
	if name == "" {
		return false
	}
	for _, kw := range []string{"公司", "企业", "有限公司"} {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return isEnglishName(name) && len(strings.TrimSpace(name)) > 2
}

var (
	reHasHan   = regexp.MustCompile(`[\p{Han}]`)
	reHasLatin = regexp.MustCompile(`[A-Za-z]`)
	reEngName  = regexp.MustCompile(`^[A-Za-z][A-Za-z.,\s]*[A-Za-z.,]$`)
)

func isEnglishName(name string) bool {
	if name == "" || reHasHan.MatchString(name) || !reHasLatin.MatchString(name) {
		return false
	}
	return reEngName.MatchString(strings.TrimSpace(name))
}
