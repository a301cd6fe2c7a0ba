package validate

import (
	"regexp"
	"strings"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/registry"
)

// Company consistency: the document's own-side entity (payer on invoices
// and certificates, either counterparty on receipts) must resolve to a
// registered company. A tax id match wins over name matching.

var reNonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

func companyMismatch(docType constants.DocType, fields map[string]string, companies []registry.Company) bool {
	var name, taxID string
	switch docType {
	case constants.VATInvoice, constants.VATInvalidInvoice:
		name, taxID = fields["payer"], fields["buyer_tax_id"]
	case constants.TaxCertificate:
		name, taxID = fields["payer"], fields["payer_tax_id"]
	case constants.BankReceipt:
		name = fields["payer"]
		if name == "" {
			name = fields["payee"]
		}
	}
	name = strings.TrimSpace(name)
	taxID = strings.TrimSpace(taxID)
	if name == "" && taxID == "" {
		return false
	}
	if taxID != "" {
		for _, c := range companies {
			if c.PayerTaxID == taxID {
				if name != "" {
					return !matchesAnyName(name, c)
				}
				return false
			}
		}
		return true
	}
	for _, c := range companies {
		if matchesAnyName(name, c) {
			return false
		}
	}
	if docType == constants.BankReceipt {
		other := fields["payee"]
		if name == fields["payee"] {
			other = fields["payer"]
		}
		if other != "" {
			for _, c := range companies {
				if matchesAnyName(other, c) {
					return false
				}
			}
		}
	}
	return true
}

func matchesAnyName(name string, c registry.Company) bool {
	for _, candidate := range c.Names() {
		if namesMatch(name, candidate) {
			return true
		}
	}
	return false
}

// namesMatch is containment-based for CJK names (short names embed in full
// registered names) and normalized-equality for latin names.
func namesMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if reCJK.MatchString(a) || reCJK.MatchString(b) {
		return strings.Contains(a, b) || strings.Contains(b, a)
	}
	return normalizeASCIIName(a) == normalizeASCIIName(b)
}

func normalizeASCIIName(name string) string {
	return strings.ToLower(reNonAlnum.ReplaceAllString(name, ""))
}
