package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

// Pack is one rule collection as stored on disk. The base pack ships with
// the binary and is immutable after load; the override pack is appended to
// by healing proposals and re-read on start.
type Pack struct {
	DocPatterns map[constants.DocType][]string `yaml:"doc_patterns,omitempty"`
	Rules       []Rule                         `yaml:"rules"`
}

// LoadPack reads a YAML rule pack. A missing file is not an error for the
// override layer, so callers decide how to treat os.IsNotExist.
func LoadPack(path string) (*Pack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	return &p, nil
}

// SavePack writes a rule pack back to disk. Only the override pack is ever
// saved; base packs are never rewritten.
func SavePack(path string, p *Pack) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal rule pack: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// DefaultBasePack returns the built-in base rules. These mirror the labeled
// regions found on mainland VAT invoices, bank receipts and tax payment
// certificates.
func DefaultBasePack() *Pack {
	return &Pack{
		DocPatterns: map[constants.DocType][]string{
			constants.VATInvoice: {
				`电子发票`, `增值税`, `普通发票`, `专用发票`,
				`发票号码`, `价税合计`, `开票日期`,
			},
		},
		Rules: []Rule{
			// payer (all document types)
			{ID: "payer-label", DocType: constants.DocTypeCommon, Field: "payer", Priority: 400,
				Pattern: `(?m)付款方[:：]\s*(.+)$`},
			{ID: "payer-unit", DocType: constants.DocTypeCommon, Field: "payer", Priority: 380,
				Pattern: `(?m)付款单位[:：]?\s*([^\n]{2,60})`},
			{ID: "payer-buyer-name", DocType: constants.DocTypeCommon, Field: "payer", Priority: 360,
				Pattern: `购买方[^\n]*名称[：:]\s*([^\s]{2,40})`},
			{ID: "payer-taxpayer", DocType: constants.DocTypeCommon, Field: "payer", Priority: 340,
				Pattern: `(?m)(?:纳税人名称|缴款单位)[:：]?\s*([^\n]{2,60})`},

			// date
			{ID: "date-issue-label", DocType: constants.DocTypeCommon, Field: "date", Priority: 420,
				Pattern: `开票日期[:：]?\s*(\d{4}[年/-]\d{1,2}[月/-]\d{1,2}日?)`},
			{ID: "date-cjk", DocType: constants.DocTypeCommon, Field: "date", Priority: 400,
				Pattern: `(\d{4}年\d{1,2}月\d{1,2}日)`},
			{ID: "date-iso", DocType: constants.DocTypeCommon, Field: "date", Priority: 380,
				Pattern: `(\d{4}-\d{1,2}-\d{1,2})`},
			{ID: "date-slash", DocType: constants.DocTypeCommon, Field: "date", Priority: 360,
				Pattern: `(\d{4}/\d{1,2}/\d{1,2})`},

			// amount
			{ID: "amount-total-small", DocType: constants.DocTypeCommon, Field: "amount", Priority: 440,
				Pattern: `价税合计[^\n]*?[(（]小写[)）]\s*[￥¥]?\s*([0-9,，]+\.\d{2})`},
			{ID: "amount-small", DocType: constants.DocTypeCommon, Field: "amount", Priority: 420,
				Pattern: `(?m)小写[:：]?\s*[￥¥]?\s*([0-9,，]+\.\d{2})`},
			{ID: "amount-cert-total", DocType: constants.TaxCertificate, Field: "amount", Priority: 430,
				Pattern: `金额合计[：:]?\s*[￥¥]?\s*([0-9,，]+\.\d{2})`},
			{ID: "amount-label", DocType: constants.DocTypeCommon, Field: "amount", Priority: 400,
				Pattern: `(?m)金额[:：]?\s*[￥¥]?\s*([0-9,，]+\.\d{2})`},
			{ID: "amount-symbol", DocType: constants.DocTypeCommon, Field: "amount", Priority: 380,
				Pattern: `[￥¥]\s*([0-9,，]+\.\d{2})`},

			// uid
			{ID: "uid-invoice-no", DocType: constants.DocTypeCommon, Field: "uid", Priority: 420,
				Pattern: `发票号码[:：]?\s*([A-Za-z0-9]{8,20})`},
			{ID: "uid-receipt-serial", DocType: constants.BankReceipt, Field: "uid", Priority: 410,
				Pattern: `(?:回单流水号|交易流水号|业务流水号|回单编码)[:：]?\s*([A-Za-z0-9]{8,30}[!$?]?)`},
			{ID: "uid-serial", DocType: constants.DocTypeCommon, Field: "uid", Priority: 400,
				Pattern: `(?:水单号|税票号码|流水号|回单号|凭证号|UID)[:：]?\s*([A-Za-z0-9]{8,30})`},
			{ID: "uid-no", DocType: constants.TaxCertificate, Field: "uid", Priority: 390,
				Pattern: `No[.．:：]?\s*([A-Za-z0-9]{8,20})`},

			// bank receipt counterparties
			{ID: "payee-label", DocType: constants.BankReceipt, Field: "payee", Priority: 420,
				Pattern: `(?m)收款方[:：]\s*(.+)$`},
			{ID: "payee-unit", DocType: constants.BankReceipt, Field: "payee", Priority: 400,
				Pattern: `(?m)收款(?:单位|人)[:：]?\s*([^\n]{2,60})`},
			{ID: "payee-counterparty", DocType: constants.BankReceipt, Field: "payee", Priority: 380,
				Pattern: `(?:交易对方名称|对方名称|对方户名)[:：]?\s*([^\s]{2,40})`},
			{ID: "direction-marker", DocType: constants.BankReceipt, Field: "direction", Priority: 400,
				Pattern: `借贷标志[:：]?\s*([借贷])`},

			// invoice parties and identifiers
			{ID: "seller-name", DocType: constants.VATInvoice, Field: "seller", Priority: 420,
				Pattern: `销售方[^\n]*名称[：:]\s*([^\s]{2,60})`},
			{ID: "seller-label", DocType: constants.VATInvoice, Field: "seller", Priority: 400,
				Pattern: `(?m)(?:销\s*售\s*方|销方|销售单位)[:：]\s*([^\n]{2,60})`},
			{ID: "seller-tax-id", DocType: constants.VATInvoice, Field: "seller_tax_id", Priority: 400,
				Pattern: `销售方[^\n]*(?:纳税人识别号|统一社会信用代码)[:：]?\s*([0-9A-Z]{15,20})`},
			{ID: "buyer-tax-id", DocType: constants.VATInvoice, Field: "buyer_tax_id", Priority: 400,
				Pattern: `购买方[^\n]*(?:纳税人识别号|统一社会信用代码)[:：]?\s*([0-9A-Z]{15,20})`},
			{ID: "tax-amount-pair", DocType: constants.VATInvoice, Field: "tax_amount", Priority: 420,
				Pattern: `合\s*计\s*[￥¥]?\s*[\d,，]+\.\d{2}\s*[￥¥]?\s*([\d,，]+\.\d{2})`},
			{ID: "tax-amount-label", DocType: constants.VATInvoice, Field: "tax_amount", Priority: 400,
				Pattern: `税\s*额\s*[：:]?\s*[￥¥]?\s*([\d,，]+\.\d{2})`},
			{ID: "tax-amount-rate-row", DocType: constants.VATInvoice, Field: "tax_amount", Priority: 380,
				Pattern: `(?m)\d{1,2}%\s+([\d,，]+\.\d{2})`},

			// tax certificate identifiers
			{ID: "cert-payer-tax-id", DocType: constants.TaxCertificate, Field: "payer_tax_id", Priority: 400,
				Pattern: `(?:纳税人识别号|统一社会信用代码)[:：]?\s*([0-9A-Z]{15,20})`},
		},
	}
}
