package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

// Derived extraction: document-type-specific logic that is structural rather
// than pattern-expressible. It only fills gaps the rule layers left; rule
// matches are never overwritten.

var (
	reAnyAmount     = regexp.MustCompile(`[￥¥]?\s*([0-9][0-9,，]*\.\d{2})`)
	reReconcileNum  = regexp.MustCompile(`(?s)被红冲蓝字.{0,12}?发票号码[:：]?\s*(\d+)`)
	reNamePair      = regexp.MustCompile(`名\s*称\s*[:：]?\s*([^\s]{2,40})\s+名\s*称\s*[:：]?\s*([^\s]{2,40})`)
	reProjectHeader = regexp.MustCompile(`项目名称|货物或应税劳务|服务名称`)
	reNumericLine   = regexp.MustCompile(`^[\d\s\-.:]+$`)
	reWordRun       = regexp.MustCompile(`[\p{Han}\w]+`)
	rePureNumber    = regexp.MustCompile(`^\d+\.?\d*$`)
)

// nameCutKeywords terminate a counterparty name when layout merging glued
// the neighboring column onto it.
var nameCutKeywords = []string{"交易对方", "对方账号", "账号", "行号", "开户行", "银行名称", "银行行号"}

func (e *Engine) derive(docType constants.DocType, text string, fields FieldMap) {
	if cur := sniffCurrency(text); cur != "" && fields.Get("currency") == "" {
		fields.Set("currency", cur, "", "")
	}
	if fields.Get("amount") == "" {
		if value, evidence, ok := bestAmount(text); ok {
			fields.Set("amount", value, evidence, "")
		}
	}

	switch docType {
	case constants.VATInvoice, constants.VATInvalidInvoice:
		e.deriveInvoice(docType, text, fields)
	case constants.BankReceipt:
		e.deriveBankReceipt(text, fields)
	}
}

func (e *Engine) deriveInvoice(docType constants.DocType, text string, fields FieldMap) {
	// invoices report the grand total under total_amount
	if amt, ok := fields["amount"]; ok {
		fields["total_amount"] = amt
		delete(fields, "amount")
	}
	if fields.Get("project_name") == "" {
		if name, evidence, ok := projectName(text); ok {
			fields.Set("project_name", name, evidence, "")
		}
	}
	if docType == constants.VATInvalidInvoice && fields.Get("reconcile_VAT_num") == "" {
		if m := reReconcileNum.FindStringSubmatch(text); m != nil {
			fields.Set("reconcile_VAT_num", m[1], strings.TrimSpace(m[0]), "")
		}
	}
}

func (e *Engine) deriveBankReceipt(text string, fields FieldMap) {
	// paired "名 称 A ... 名 称 B" rows: left column pays, right receives
	if fields.Get("payer") == "" || fields.Get("payee") == "" {
		if m := reNamePair.FindStringSubmatch(text); m != nil {
			payer, payee := CleanValue(m[1]), CleanValue(m[2])
			if fields.Get("payer") == "" && LooksLikeCompanyName(payer) {
				fields.Set("payer", payer, strings.TrimSpace(m[0]), "")
			}
			if fields.Get("payee") == "" && LooksLikeCompanyName(payee) {
				fields.Set("payee", payee, strings.TrimSpace(m[0]), "")
			}
		}
	}
	for _, name := range []string{"payer", "payee"} {
		if f, ok := fields[name]; ok {
			if trimmed := trimCounterpartyName(f.Value); trimmed != f.Value {
				fields.Set(name, trimmed, f.Evidence, f.RuleID)
			}
		}
	}
	if f, ok := fields["direction"]; ok {
		fields.Set("direction", NormalizeDirection(f.Value), f.Evidence, f.RuleID)
	} else if dir := fallbackDirection(text); dir != "" {
		fields.Set("direction", dir, "", "")
	}
}

// trimCounterpartyName cuts a name at the first glued neighboring-column
// label, keeping the left-hand payload.
func trimCounterpartyName(value string) string {
	trimmed := value
	for _, kw := range nameCutKeywords {
		if idx := strings.Index(trimmed, kw); idx > 0 {
			trimmed = trimmed[:idx]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return value
	}
	return CleanValue(trimmed)
}

func fallbackDirection(text string) string {
	in := strings.Contains(text, "收款")
	out := strings.Contains(text, "付款")
	switch {
	case in && !out:
		return "in"
	case out && !in:
		return "out"
	}
	return ""
}

func sniffCurrency(text string) string {
	switch {
	case strings.Contains(text, "人民币") || strings.Contains(text, "RMB") ||
		strings.Contains(text, "CNY") || strings.ContainsAny(text, "￥¥"):
		return "CNY"
	case strings.Contains(text, "美元") || strings.Contains(text, "USD") || strings.Contains(text, "$"):
		return "USD"
	case strings.Contains(text, "港币") || strings.Contains(text, "HKD"):
		return "HKD"
	case strings.Contains(text, "欧元") || strings.Contains(text, "EUR"):
		return "EUR"
	}
	return ""
}

// bestAmount collects every decimal-with-two-fractional-digits occurrence
// and keeps the largest value inside the reasonable range. Invoice totals
// dominate the other figures on the page.
func bestAmount(text string) (value, evidence string, ok bool) {
	matches := reAnyAmount.FindAllStringSubmatch(text, -1)
	bestVal := 0.0
	for _, m := range matches {
		clean := NormalizeAmount(m[1])
		if clean == "" {
			continue
		}
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil || f < 0.01 || f > 1e8 {
			continue
		}
		if f > bestVal {
			bestVal, value, evidence = f, clean, strings.TrimSpace(m[0])
		}
	}
	return value, evidence, bestVal > 0
}

// projectName finds the goods/service table header and takes the first
// plausible row under it.
func projectName(text string) (name, evidence string, ok bool) {
	lines := strings.Split(text, "\n")
	headerSeen := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if reProjectHeader.MatchString(line) {
			headerSeen = true
			continue
		}
		if !headerSeen || reNumericLine.MatchString(line) {
			continue
		}
		if strings.HasPrefix(line, "*") {
			if cleaned := CleanProjectName(line); cleaned != line {
				return cleaned, line, true
			}
		}
		for _, word := range reWordRun.FindAllString(line, -1) {
			if len([]rune(word)) > 1 && !rePureNumber.MatchString(word) {
				return CleanProjectName(word), line, true
			}
		}
	}
	return "", "", false
}
