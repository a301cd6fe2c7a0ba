package rules

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reLabelPrefix    = regexp.MustCompile(`^(名称|纳税人识别号|统一社会信用代码)[:：]\s*`)
	reLeadingNoise   = regexp.MustCompile(`^[￥¥,，\s]+`)
	reTrailingNoise  = regexp.MustCompile(`[￥¥,，\s]+$`)
	reEightDigits    = regexp.MustCompile(`^\d{8}$`)
	reLooseISODate   = regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2}$`)
	reTrailingSymbol = regexp.MustCompile(`[^A-Za-z0-9]+$`)
	reHanRun         = regexp.MustCompile(`[\p{Han}]+`)
	reWideGap        = regexp.MustCompile(`\s{4,}`)
)

// CleanValue strips label prefixes, currency symbols and surrounding noise
// from a captured value.
func CleanValue(s string) string {
	if s == "" {
		return ""
	}
	s = reLabelPrefix.ReplaceAllString(s, "")
	s = reLeadingNoise.ReplaceAllString(s, "")
	s = reTrailingNoise.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// NormalizeText removes short runs of spaces (1-3) between CJK characters.
// Some generators pad CJK labels for alignment; wider runs are column
// separators and must survive.
func NormalizeText(text string) string {
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch != ' ' {
			b.WriteRune(ch)
			continue
		}
		j := i
		for j < len(runes) && runes[j] == ' ' {
			j++
		}
		gap := j - i
		prevHan := i > 0 && isHan(runes[i-1])
		nextHan := j < len(runes) && isHan(runes[j])
		if prevHan && nextHan && gap <= 3 {
			i = j - 1
			continue
		}
		for k := 0; k < gap; k++ {
			b.WriteRune(' ')
		}
		i = j - 1
	}
	return b.String()
}

func isHan(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// NormalizeDateString converts common CJK and slash date spellings to
// YYYY-MM-DD. Values it cannot interpret are returned with separators
// normalized but otherwise untouched.
func NormalizeDateString(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	normalized := strings.NewReplacer("年", "-", "月", "-", "日", "", "/", "-", "_", "-").Replace(trimmed)
	normalized = strings.Join(strings.Fields(normalized), "")
	if reEightDigits.MatchString(normalized) {
		return normalized[:4] + "-" + normalized[4:6] + "-" + normalized[6:]
	}
	if reLooseISODate.MatchString(normalized) {
		parts := strings.SplitN(normalized, "-", 3)
		return parts[0] + "-" + pad2(parts[1]) + "-" + pad2(parts[2])
	}
	return normalized
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// NormalizeAmount strips currency symbols, commas and whitespace and
// reformats to exactly two fractional digits. Returns "" when the input is
// not a parseable positive decimal.
func NormalizeAmount(value string) string {
	clean := strings.NewReplacer("￥", "", "¥", "", ",", "", "，", "", " ", "", "\t", "").Replace(strings.TrimSpace(value))
	if clean == "" {
		return ""
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f < 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// NormalizeBankReceiptUID trims trailing punctuation that OCR tacks onto
// receipt serial numbers ("!", "$", "?").
func NormalizeBankReceiptUID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	return reTrailingSymbol.ReplaceAllString(trimmed, "")
}

// NormalizeDirection maps CJK debit/credit spellings onto "in"/"out".
// Unrecognized values pass through unchanged.
func NormalizeDirection(value string) string {
	raw := strings.ToLower(strings.TrimSpace(value))
	switch raw {
	case "in", "out":
		return raw
	case "借", "付", "付款", "支出", "转出":
		return "out"
	case "贷", "收", "收款", "收入", "转入":
		return "in"
	}
	return value
}

// CleanProjectName unwraps goods names written as "*category*name" on VAT
// invoices, keeping the CJK run after the second star.
func CleanProjectName(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return value
	}
	first := strings.IndexByte(text, '*')
	if first >= 0 {
		second := strings.IndexByte(text[first+1:], '*')
		if second >= 0 {
			after := text[first+1+second+1:]
			if m := reHanRun.FindString(after); m != "" && strings.HasPrefix(after, m) {
				return m
			}
		}
	}
	return value
}

// SplitWideColumns splits a line on runs of four or more spaces, the column
// separator left by layout-preserving text extraction.
func SplitWideColumns(line string) []string {
	return reWideGap.Split(strings.TrimSpace(line), -1)
}
