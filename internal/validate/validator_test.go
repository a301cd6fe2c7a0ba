package validate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/registry"
)

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	}
}

func newTestValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	v, err := NewValidator(opts...)
	require.NoError(t, err)
	return v
}

func validReceiptFields() map[string]string {
	return map[string]string{
		"payer":     "ABC贸易有限公司",
		"payee":     "XYZ网络有限公司",
		"amount":    "1000.00",
		"date":      "2025-04-02",
		"uid":       "2025040212345678",
		"direction": "out",
		"currency":  "CNY",
	}
}

const receiptText = "电子回单 付款方：ABC贸易有限公司 收款方：XYZ网络有限公司 金额：￥1,000.00"

func findCode(findings []Finding, code string) bool {
	for _, f := range findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_Pass(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(constants.BankReceipt, validReceiptFields(), receiptText)
	require.Empty(t, res.Errors)
	assert.Equal(t, constants.StatusPass, res.Status)
	assert.True(t, res.Passed())
}

func TestValidate_UnknownTypeAlwaysNeedsHuman(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(constants.DocTypeUnknown, validReceiptFields(), receiptText)
	assert.Equal(t, constants.StatusFailHuman, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, constants.CodeDocTypeUnknown, res.Errors[0].Code)
}

func TestValidate_EmptyTextNeedsHuman(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(constants.BankReceipt, validReceiptFields(), "   ")
	assert.Equal(t, constants.StatusFailHuman, res.Status)
	assert.True(t, findCode(res.Errors, constants.CodeExtractedTextEmpty))
}

func TestValidate_MissingRequiredField(t *testing.T) {
	v := newTestValidator(t)
	fields := validReceiptFields()
	delete(fields, "payee")
	res := v.Validate(constants.BankReceipt, fields, receiptText)
	assert.Equal(t, constants.StatusFailFixed, res.Status)
	assert.True(t, findCode(res.Errors, constants.CodeRequiredFieldMissing))
}

func TestValidate_AllChecksRun(t *testing.T) {
	v := newTestValidator(t)
	fields := validReceiptFields()
	fields["date"] = "02/04/2025"
	fields["amount"] = "1,000.00"
	res := v.Validate(constants.BankReceipt, fields, receiptText)
	assert.True(t, findCode(res.Errors, constants.CodeDateFormatInvalid))
	assert.True(t, findCode(res.Errors, constants.CodeAmountFormatInvalid), "validation does not stop at the first error")
}

func TestValidate_DateWindow(t *testing.T) {
	v := newTestValidator(t, WithDateWindow(365, 30))

	fields := validReceiptFields()
	fields["date"] = "2023-01-01"
	res := v.Validate(constants.BankReceipt, fields, receiptText)
	assert.True(t, findCode(res.Errors, constants.CodeDateOutOfRange))

	fields["date"] = "2025-07-01"
	res = v.Validate(constants.BankReceipt, fields, receiptText)
	assert.True(t, findCode(res.Errors, constants.CodeDateOutOfRange), "too far in the future")

	fields["date"] = "2025-05-15"
	res = v.Validate(constants.BankReceipt, fields, receiptText)
	assert.False(t, findCode(res.Errors, constants.CodeDateOutOfRange))
}

func TestValidate_NamePolicy(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name  string
		payer string
		code  string
	}{
		{"cjk name with whitespace", "ABC贸易 有限公司", constants.CodeNameWhitespace},
		{"unbalanced parens", "ABC贸易（有限公司", constants.CodeNameBrackets},
		{"nested parens", "ABC（（分部））公司", constants.CodeNameBrackets},
		{"quotes", `"ABC贸易有限公司"`, constants.CodeNamePunctuation},
		{"disallowed punctuation", "ABC贸易-有限公司", constants.CodeNamePunctuation},
		{"bank name", "中国工商银行上海分行", constants.CodeNameIsBank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validReceiptFields()
			fields["payer"] = tt.payer
			res := v.Validate(constants.BankReceipt, fields, receiptText)
			assert.True(t, findCode(res.Errors, tt.code))
		})
	}

	// allowed shapes
	for _, ok := range []string{"ABC贸易（上海）有限公司", "Acme Trading Ltd", "甲乙丙信息科技有限公司"} {
		fields := validReceiptFields()
		fields["payer"] = ok
		res := v.Validate(constants.BankReceipt, fields, receiptText)
		require.Emptyf(t, res.Errors, "name %q should be accepted", ok)
	}
}

func TestValidate_PayerEqualsPayee(t *testing.T) {
	v := newTestValidator(t)
	fields := validReceiptFields()
	fields["payee"] = fields["payer"]
	res := v.Validate(constants.BankReceipt, fields, receiptText)
	assert.True(t, findCode(res.Errors, constants.CodePayerEqualsPayee))
}

func TestValidate_TaxIDRules(t *testing.T) {
	v := newTestValidator(t)
	fields := map[string]string{
		"payer":        "某某科技有限公司",
		"seller":       "某某贸易有限公司",
		"total_amount": "3280.29",
		"date":         "2025-04-02",
		"uid":          "25312000000172619499",
		"buyer_tax_id": "91310000MA1K35X12B",
	}
	res := v.Validate(constants.VATInvoice, fields, "电子发票 价税合计(小写)￥3,280.29 购买方名称：某某科技有限公司")
	require.Empty(t, res.Errors)

	fields["buyer_tax_id"] = "913100001234567" // 15 chars, CJK-only payer needs 18
	res = v.Validate(constants.VATInvoice, fields, "电子发票 价税合计(小写)￥3,280.29")
	assert.True(t, findCode(res.Errors, constants.CodeTaxIDCJKNameMustBe18))

	fields["buyer_tax_id"] = "bad-id"
	res = v.Validate(constants.VATInvoice, fields, "电子发票 价税合计(小写)￥3,280.29")
	assert.True(t, findCode(res.Errors, constants.CodeTaxIDFormatInvalid))
}

func TestValidate_CompanyMismatchEscalates(t *testing.T) {
	companies := []registry.Company{{
		PayerTaxID: "91310000MA1K35X12B",
		FullName:   "ABC贸易有限公司",
		ShortName:  "ABC贸易",
	}}
	v := newTestValidator(t, WithCompanies(companies))

	res := v.Validate(constants.BankReceipt, validReceiptFields(), receiptText)
	require.Empty(t, res.Errors, "registered payer matches")

	fields := validReceiptFields()
	fields["payer"] = "陌生企业有限公司"
	fields["payee"] = "另一家公司有限公司"
	res = v.Validate(constants.BankReceipt, fields, receiptText)
	assert.Equal(t, constants.StatusFailHuman, res.Status)
	assert.True(t, findCode(res.Errors, constants.CodeCompanyMismatch))
}

func TestValidate_Warnings(t *testing.T) {
	v := newTestValidator(t)
	fields := validReceiptFields()
	fields["payer"] = "甲乙"
	res := v.Validate(constants.BankReceipt, fields, receiptText)
	assert.Equal(t, constants.StatusPass, res.Status, "warnings never fail a document")
	assert.True(t, findCode(res.Warnings, constants.WarnNameLength))

	res = v.Validate(constants.BankReceipt, validReceiptFields(), "电子回单")
	assert.True(t, findCode(res.Warnings, constants.WarnTextTooShort))

	fields = validReceiptFields()
	delete(fields, "direction")
	res = v.Validate(constants.BankReceipt, fields, receiptText)
	assert.Equal(t, constants.StatusPass, res.Status)
	assert.True(t, findCode(res.Warnings, constants.WarnMissingOptional))
}

func TestValidateArtifact(t *testing.T) {
	v := newTestValidator(t)

	artifact := map[string]any{
		"document_type":  "bank_receipt",
		"extracted_text": receiptText,
		"status":         "PASS",
	}
	for k, val := range validReceiptFields() {
		artifact[k] = val
	}
	raw, err := json.Marshal(artifact)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateArtifact(constants.BankReceipt, raw))

	delete(artifact, "payer")
	raw, err = json.Marshal(artifact)
	require.NoError(t, err)
	assert.Error(t, v.ValidateArtifact(constants.BankReceipt, raw), "missing required field fails the schema gate")

	assert.Error(t, v.ValidateArtifact(constants.DocTypeUnknown, raw), "no schema for unknown")
}
