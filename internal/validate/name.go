package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
)

// Character policy for entity names: CJK, latin letters and digits only;
// parentheses must balance and not nest; whitespace is only allowed inside
// parentheses, except single gaps between words of a pure-English name.

var (
	reQuote       = regexp.MustCompile(`["'“”‘’]`)
	reAccountLike = regexp.MustCompile(`^\d{10,}$`)
)

// nameNoiseKeywords are labels that leak into a name when column merging
// goes wrong.
var nameNoiseKeywords = []string{
	"发票号码", "开票日期", "合计", "价税合计", "纳税人识别号", "统一社会信用代码", "金额", "税额",
}

func (v *Validator) checkName(field, value string, res *Result) {
	if reQuote.MatchString(value) {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindBadFormat,
			Code:    constants.CodeNamePunctuation,
			Message: fmt.Sprintf("%s contains quote characters", field),
		})
		return
	}
	if code, msg := checkNameCharPolicy(value); code != "" {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindBadFormat, Code: code,
			Message: fmt.Sprintf("%s %s", field, msg),
		})
		return
	}
	if rules.IsBankName(value) || reAccountLike.MatchString(value) {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindSemanticConflict,
			Code:    constants.CodeNameIsBank,
			Message: fmt.Sprintf("%s captured a bank name or account number instead of an entity", field),
		})
		return
	}

	runeLen := len([]rune(value))
	if runeLen < 4 || runeLen > 50 {
		res.Warnings = append(res.Warnings, Finding{
			Field: field, Code: constants.WarnNameLength,
			Message: fmt.Sprintf("%s length is suspicious", field),
		})
	}
	for _, kw := range nameNoiseKeywords {
		if strings.Contains(value, kw) {
			res.Warnings = append(res.Warnings, Finding{
				Field: field, Code: constants.WarnNameNoiseKeywords,
				Message: fmt.Sprintf("%s may contain a leaked field label", field),
			})
			break
		}
	}
	if mostlyNumeric(value) {
		res.Warnings = append(res.Warnings, Finding{
			Field: field, Code: constants.WarnNameMostlyNumeric,
			Message: fmt.Sprintf("%s is mostly numeric", field),
		})
	}
}

func checkNameCharPolicy(text string) (code, message string) {
	openToClose := map[rune]rune{'(': ')', '（': '）'}
	closes := map[rune]bool{')': true, '）': true}
	englishOnly := isEnglishOnly(text)

	runes := []rune(text)
	depth := 0
	var expectedClose rune
	for i, ch := range runes {
		if cl, ok := openToClose[ch]; ok {
			if depth == 1 {
				return constants.CodeNameBrackets, "has nested parentheses"
			}
			expectedClose, depth = cl, 1
			continue
		}
		if closes[ch] {
			if depth == 0 || expectedClose != ch {
				return constants.CodeNameBrackets, "has unbalanced or mismatched parentheses"
			}
			depth = 0
			continue
		}
		if unicode.IsSpace(ch) {
			if depth == 0 && !englishWordGap(runes, i, englishOnly) {
				return constants.CodeNameWhitespace, "has whitespace outside parentheses"
			}
			continue
		}
		if unicode.IsDigit(ch) || (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= 0x4e00 && ch <= 0x9fff) {
			continue
		}
		if englishOnly && (ch == '.' || ch == ',') {
			continue
		}
		return constants.CodeNamePunctuation, "contains disallowed punctuation"
	}
	if depth != 0 {
		return constants.CodeNameBrackets, "has unbalanced parentheses"
	}
	return "", ""
}

// englishWordGap allows single spaces between alphanumeric words of a
// pure-English name ("Acme Trading Ltd.").
func englishWordGap(runes []rune, i int, englishOnly bool) bool {
	if !englishOnly {
		return false
	}
	prev := i - 1
	for prev >= 0 && unicode.IsSpace(runes[prev]) {
		prev--
	}
	next := i + 1
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if prev < 0 || next >= len(runes) {
		return false
	}
	okNeighbor := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == ','
	}
	return okNeighbor(runes[prev]) && okNeighbor(runes[next])
}

func isEnglishOnly(text string) bool {
	return !reCJK.MatchString(text) && reLatin.MatchString(text)
}

func mostlyNumeric(text string) bool {
	payload := 0
	digits := 0
	for _, ch := range text {
		if ch == '(' || ch == ')' || ch == '（' || ch == '）' || unicode.IsSpace(ch) {
			continue
		}
		payload++
		if unicode.IsDigit(ch) {
			digits++
		}
	}
	return payload > 0 && float64(digits)/float64(payload) >= 0.8
}
