package constants

// DocType classifies a source document and selects the field schema and
// rule set that apply to it.
type DocType string

const (
	VATInvoice        DocType = "VAT_invoice"
	VATInvalidInvoice DocType = "VAT_invalid_invoice"
	BankReceipt       DocType = "bank_receipt"
	TaxCertificate    DocType = "tax_certificate"
	DocTypeUnknown    DocType = "unknown"

	// DocTypeCommon is not a document class; it marks rules that apply to
	// every document type.
	DocTypeCommon DocType = "common"
)

var allDocTypes = []DocType{
	VATInvoice,
	VATInvalidInvoice,
	BankReceipt,
	TaxCertificate,
	DocTypeUnknown,
}

// AllDocTypes returns the allowed values for the document_type field.
func AllDocTypes() []DocType {
	out := make([]DocType, len(allDocTypes))
	copy(out, allDocTypes)
	return out
}

// IsValidDocType reports whether s is one of the allowed document types.
func IsValidDocType(s string) bool {
	for _, dt := range allDocTypes {
		if string(dt) == s {
			return true
		}
	}
	return false
}
