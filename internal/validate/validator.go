package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/registry"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// textTooShortThreshold flags extractions that are suspiciously thin.
const textTooShortThreshold = 30

// Validator applies the declarative schema table. Validation itself is pure:
// it performs no I/O and never mutates its input; the clock and the company
// snapshot are fixed at construction.
type Validator struct {
	artifactSchemas map[constants.DocType]*jsonschema.Schema
	companies       []registry.Company
	now             func() time.Time

	// plausible date window relative to now
	pastDays   int
	futureDays int
}

// Option customizes a Validator.
type Option func(*Validator)

// WithClock fixes the reference time used for date-range checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithCompanies installs the registry snapshot used by the consistency check.
func WithCompanies(companies []registry.Company) Option {
	return func(v *Validator) { v.companies = companies }
}

// WithDateWindow overrides the allowed past/future day window.
func WithDateWindow(pastDays, futureDays int) Option {
	return func(v *Validator) { v.pastDays, v.futureDays = pastDays, futureDays }
}

// NewValidator compiles the per-type artifact schemas and returns a ready
// validator.
func NewValidator(opts ...Option) (*Validator, error) {
	compiled, err := compileArtifactSchemas()
	if err != nil {
		return nil, err
	}
	v := &Validator{
		artifactSchemas: compiled,
		now:             time.Now,
		pastDays:        3650,
		futureDays:      30,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks an extracted field map against the document type's schema.
// All applicable checks run; validation never stops at the first error.
func (v *Validator) Validate(docType constants.DocType, fields map[string]string, extractedText string) *Result {
	if docType == constants.DocTypeUnknown || !constants.IsValidDocType(string(docType)) {
		return &Result{
			DocType: constants.DocTypeUnknown,
			Status:  constants.StatusFailHuman,
			Errors: []Finding{{
				Field:   "document_type",
				Kind:    constants.KindMissingRequired,
				Code:    constants.CodeDocTypeUnknown,
				Message: "document type unknown, requires human review",
			}},
		}
	}
	if strings.TrimSpace(extractedText) == "" {
		return &Result{
			DocType: docType,
			Status:  constants.StatusFailHuman,
			Errors: []Finding{{
				Field:   "extracted_text",
				Kind:    constants.KindMissingRequired,
				Code:    constants.CodeExtractedTextEmpty,
				Message: "extracted text is empty, requires human review",
			}},
		}
	}

	schema := Schemas[docType]
	res := &Result{DocType: docType, Status: constants.StatusPass}

	if len(extractedText) < textTooShortThreshold {
		res.Warnings = append(res.Warnings, Finding{
			Field:   "extracted_text",
			Code:    constants.WarnTextTooShort,
			Message: fmt.Sprintf("extracted_text shorter than %d chars", textTooShortThreshold),
		})
	}

	for _, spec := range schema.Fields {
		value, present := fields[spec.Name]
		blank := strings.TrimSpace(value) == ""
		if spec.Required {
			switch {
			case !present:
				res.Errors = append(res.Errors, Finding{
					Field:   spec.Name,
					Kind:    constants.KindMissingRequired,
					Code:    constants.CodeRequiredFieldMissing,
					Message: fmt.Sprintf("%s is missing required field %s", docType, spec.Name),
				})
				continue
			case blank:
				res.Errors = append(res.Errors, Finding{
					Field:   spec.Name,
					Kind:    constants.KindMissingRequired,
					Code:    constants.CodeRequiredFieldEmpty,
					Message: fmt.Sprintf("%s required field %s is empty", docType, spec.Name),
				})
				continue
			}
		} else if !present || blank {
			res.Warnings = append(res.Warnings, Finding{
				Field:   spec.Name,
				Code:    constants.WarnMissingOptional,
				Message: fmt.Sprintf("optional field %s was not extracted", spec.Name),
			})
			continue
		}
		v.checkBinding(spec, strings.TrimSpace(value), fields, res)
	}

	v.checkSemantics(docType, fields, res)

	if len(res.Errors) > 0 && res.Status == constants.StatusPass {
		res.Status = constants.StatusFailFixed
	}
	return res
}

var (
	reDateExact   = regexp.MustCompile(patternDate)
	reAmountExact = regexp.MustCompile(patternAmount)
	reUIDExact    = regexp.MustCompile(patternUID)
	reTaxIDExact  = regexp.MustCompile(patternTaxID)
	reTaxID18     = regexp.MustCompile(`^[0-9A-Z]{18}$`)
	reCJK         = regexp.MustCompile(`[\p{Han}]`)
	reLatin       = regexp.MustCompile(`[A-Za-z]`)
)

func (v *Validator) checkBinding(spec FieldSpec, value string, fields map[string]string, res *Result) {
	switch spec.Binding {
	case BindDate:
		v.checkDate(spec.Name, value, res)
	case BindAmount:
		if !reAmountExact.MatchString(value) {
			res.Errors = append(res.Errors, Finding{
				Field: spec.Name, Kind: constants.KindBadFormat,
				Code:    constants.CodeAmountFormatInvalid,
				Message: fmt.Sprintf("%s must be a decimal with two fractional digits", spec.Name),
			})
		}
	case BindUID:
		if !reUIDExact.MatchString(value) {
			res.Errors = append(res.Errors, Finding{
				Field: spec.Name, Kind: constants.KindBadFormat,
				Code:    constants.CodeUIDFormatInvalid,
				Message: fmt.Sprintf("%s must be alphanumeric", spec.Name),
			})
		}
	case BindCurrency:
		if !contains(allowedCurrencies, value) {
			res.Errors = append(res.Errors, Finding{
				Field: spec.Name, Kind: constants.KindBadFormat,
				Code:    constants.CodeCurrencyInvalid,
				Message: fmt.Sprintf("%s is not an allowed currency", spec.Name),
			})
		}
	case BindDirection:
		if value != "in" && value != "out" {
			res.Errors = append(res.Errors, Finding{
				Field: spec.Name, Kind: constants.KindBadFormat,
				Code:    constants.CodeDirectionInvalid,
				Message: fmt.Sprintf("%s must be in or out", spec.Name),
			})
		}
	case BindName:
		v.checkName(spec.Name, value, res)
	case BindTaxID:
		v.checkTaxID(spec, value, fields, res)
	}
}

func (v *Validator) checkDate(field, value string, res *Result) {
	if !reDateExact.MatchString(value) {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindBadFormat,
			Code:    constants.CodeDateFormatInvalid,
			Message: fmt.Sprintf("%s must be an ISO calendar date", field),
		})
		return
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindBadFormat,
			Code:    constants.CodeDateFormatInvalid,
			Message: fmt.Sprintf("%s is not a valid calendar date", field),
		})
		return
	}
	today := v.now()
	min := today.AddDate(0, 0, -v.pastDays)
	max := today.AddDate(0, 0, v.futureDays)
	if parsed.Before(min) || parsed.After(max) {
		res.Errors = append(res.Errors, Finding{
			Field: field, Kind: constants.KindOutOfRange,
			Code:    constants.CodeDateOutOfRange,
			Message: fmt.Sprintf("%s is outside the plausible window", field),
		})
	}
}

func (v *Validator) checkTaxID(spec FieldSpec, value string, fields map[string]string, res *Result) {
	if !reTaxIDExact.MatchString(value) {
		res.Errors = append(res.Errors, Finding{
			Field: spec.Name, Kind: constants.KindBadFormat,
			Code:    constants.CodeTaxIDFormatInvalid,
			Message: fmt.Sprintf("%s must be 15-20 uppercase alphanumerics", spec.Name),
		})
		return
	}
	related := fields[spec.RelatedNameField]
	if related != "" && isCJKOnlyName(related) && !reTaxID18.MatchString(value) {
		res.Errors = append(res.Errors, Finding{
			Field: spec.Name, Kind: constants.KindBadFormat,
			Code:    constants.CodeTaxIDCJKNameMustBe18,
			Message: fmt.Sprintf("%s must be 18 chars when %s is a CJK name", spec.Name, spec.RelatedNameField),
		})
	}
}

func isCJKOnlyName(text string) bool {
	return !reLatin.MatchString(text) && reCJK.MatchString(text)
}

func (v *Validator) checkSemantics(docType constants.DocType, fields map[string]string, res *Result) {
	payer := strings.TrimSpace(fields["payer"])
	payee := strings.TrimSpace(fields["payee"])
	if payer != "" && payer == payee {
		res.Errors = append(res.Errors, Finding{
			Field: "payee", Kind: constants.KindSemanticConflict,
			Code:    constants.CodePayerEqualsPayee,
			Message: "payer and payee are the same entity",
		})
	}
	if len(v.companies) > 0 && companyMismatch(docType, fields, v.companies) {
		res.Errors = append(res.Errors, Finding{
			Field: "company", Kind: constants.KindSemanticConflict,
			Code:    constants.CodeCompanyMismatch,
			Message: "company fields do not match the registry",
		})
		res.Status = constants.StatusFailHuman
	}
}

// ValidateArtifact checks a serialized artifact against the compiled JSON
// schema for its type. Used as a final gate before artifacts leave the
// pipeline.
func (v *Validator) ValidateArtifact(docType constants.DocType, raw []byte) error {
	schema, ok := v.artifactSchemas[docType]
	if !ok {
		return fmt.Errorf("no artifact schema for document type %s", docType)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal artifact: %w", err)
	}
	if err := schema.Validate(data); err != nil {
		return fmt.Errorf("artifact does not match schema: %w", err)
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
