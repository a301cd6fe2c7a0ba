package constants

// Validation error codes. Store these exact strings in reports; the healing
// coordinator and the summary histogram key off them.
const (
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeRequiredFieldEmpty   = "REQUIRED_FIELD_EMPTY"
	CodeDateFormatInvalid    = "DATE_FORMAT_INVALID"
	CodeDateOutOfRange       = "DATE_OUT_OF_RANGE"
	CodeAmountFormatInvalid  = "AMOUNT_FORMAT_INVALID"
	CodeUIDFormatInvalid     = "UID_FORMAT_INVALID"
	CodeCurrencyInvalid      = "CURRENCY_INVALID"
	CodeDirectionInvalid     = "DIRECTION_INVALID"
	CodeNameWhitespace       = "NAME_HAS_WHITESPACE_OUTSIDE_BRACKETS"
	CodeNameBrackets         = "NAME_BRACKETS_UNBALANCED"
	CodeNamePunctuation      = "NAME_HAS_PUNCTUATION"
	CodeNameIsBank           = "NAME_IS_BANK"
	CodeTaxIDFormatInvalid   = "TAX_ID_FORMAT_INVALID"
	CodeTaxIDCJKNameMustBe18 = "TAX_ID_CJK_NAME_MUST_BE_18"
	CodePayerEqualsPayee     = "SEMANTIC_PAYER_EQUALS_PAYEE"
	CodeCompanyMismatch      = "COMPANY_INFO_MISMATCH"
	CodeDocTypeUnknown       = "DOC_TYPE_UNKNOWN"
	CodeExtractedTextEmpty   = "EXTRACTED_TEXT_EMPTY"
)

// Warning codes (non-fatal).
const (
	WarnTextTooShort      = "TEXT_TOO_SHORT"
	WarnNameLength        = "NAME_LENGTH_SUSPICIOUS"
	WarnNameNoiseKeywords = "NAME_NOISE_KEYWORDS"
	WarnNameMostlyNumeric = "NAME_MOSTLY_NUMERIC"
	WarnMissingOptional   = "MISSING_OPTIONAL"
)
