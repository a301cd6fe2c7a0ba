package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/panyun-fin/invoice-pipeline/constants"
)

// Binding names the format rule applied to a field's value.
type Binding string

const (
	BindDate      Binding = "date"
	BindAmount    Binding = "amount_like"
	BindUID       Binding = "uid"
	BindCurrency  Binding = "currency"
	BindDirection Binding = "direction"
	BindName      Binding = "name_like"
	BindTaxID     Binding = "tax_id"
)

// FieldSpec declares how one field of a document type is validated.
type FieldSpec struct {
	Name             string
	Required         bool
	Binding          Binding
	RelatedNameField string // tax_id only: the entity name the id belongs to
}

// Schema is the declarative validation table for one document type.
type Schema struct {
	Fields []FieldSpec
}

func (s Schema) required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Schemas maps each document type to its field table. One generic validator
// interprets this; there is no per-type branching logic.
var Schemas = map[constants.DocType]Schema{
	constants.VATInvoice: {Fields: []FieldSpec{
		{Name: "payer", Required: true, Binding: BindName},
		{Name: "seller", Required: true, Binding: BindName},
		{Name: "total_amount", Required: true, Binding: BindAmount},
		{Name: "date", Required: true, Binding: BindDate},
		{Name: "uid", Required: true, Binding: BindUID},
		{Name: "tax_amount", Binding: BindAmount},
		{Name: "currency", Binding: BindCurrency},
		{Name: "buyer_tax_id", Binding: BindTaxID, RelatedNameField: "payer"},
		{Name: "seller_tax_id", Binding: BindTaxID, RelatedNameField: "seller"},
	}},
	constants.VATInvalidInvoice: {Fields: []FieldSpec{
		{Name: "payer", Required: true, Binding: BindName},
		{Name: "seller", Required: true, Binding: BindName},
		{Name: "total_amount", Required: true, Binding: BindAmount},
		{Name: "date", Required: true, Binding: BindDate},
		{Name: "uid", Required: true, Binding: BindUID},
		{Name: "reconcile_VAT_num", Binding: BindUID},
		{Name: "tax_amount", Binding: BindAmount},
		{Name: "currency", Binding: BindCurrency},
		{Name: "buyer_tax_id", Binding: BindTaxID, RelatedNameField: "payer"},
		{Name: "seller_tax_id", Binding: BindTaxID, RelatedNameField: "seller"},
	}},
	constants.BankReceipt: {Fields: []FieldSpec{
		{Name: "payer", Required: true, Binding: BindName},
		{Name: "payee", Required: true, Binding: BindName},
		{Name: "amount", Required: true, Binding: BindAmount},
		{Name: "date", Required: true, Binding: BindDate},
		{Name: "uid", Required: true, Binding: BindUID},
		{Name: "direction", Binding: BindDirection},
		{Name: "currency", Binding: BindCurrency},
	}},
	constants.TaxCertificate: {Fields: []FieldSpec{
		{Name: "payer", Required: true, Binding: BindName},
		{Name: "amount", Required: true, Binding: BindAmount},
		{Name: "date", Required: true, Binding: BindDate},
		{Name: "uid", Binding: BindUID},
		{Name: "payer_tax_id", Binding: BindTaxID, RelatedNameField: "payer"},
		{Name: "currency", Binding: BindCurrency},
	}},
}

// Format patterns shared by the field bindings and the artifact schemas.
const (
	patternDate   = `^\d{4}-\d{2}-\d{2}$`
	patternAmount = `^\d+\.\d{2}$`
	patternUID    = `^[A-Za-z0-9]{4,32}$`
	patternTaxID  = `^[0-9A-Z]{15,20}$`
)

var allowedCurrencies = []string{"CNY", "USD", "HKD", "EUR"}

// BuildArtifactSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map for one document type's output artifact.
func BuildArtifactSchema(docType constants.DocType) map[string]any {
	schema, ok := Schemas[docType]
	if !ok {
		return nil
	}
	props := map[string]any{
		"document_type":  map[string]any{"const": string(docType)},
		"extracted_text": map[string]any{"type": "string", "minLength": 1},
		"status":         map[string]any{"type": "string"},
	}
	for _, f := range schema.Fields {
		props[f.Name] = bindingProp(f.Binding)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"document_type", "extracted_text"}, schema.required()...),
	}
}

func bindingProp(b Binding) map[string]any {
	switch b {
	case BindDate:
		return map[string]any{"type": "string", "pattern": patternDate}
	case BindAmount:
		return map[string]any{"type": "string", "pattern": patternAmount}
	case BindUID:
		return map[string]any{"type": "string", "pattern": patternUID}
	case BindTaxID:
		return map[string]any{"type": "string", "pattern": patternTaxID}
	case BindCurrency:
		return map[string]any{"type": "string", "enum": toAny(allowedCurrencies)}
	case BindDirection:
		return map[string]any{"type": "string", "enum": []any{"in", "out"}}
	default:
		return map[string]any{"type": "string", "minLength": 1}
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// compileArtifactSchemas compiles one schema per document type at startup.
// Types without a field table (unknown) get no artifact schema.
func compileArtifactSchemas() (map[constants.DocType]*jsonschema.Schema, error) {
	out := make(map[constants.DocType]*jsonschema.Schema, len(Schemas))
	for _, dt := range constants.AllDocTypes() {
		if _, ok := Schemas[dt]; !ok {
			continue
		}
		b, err := json.Marshal(BuildArtifactSchema(dt))
		if err != nil {
			return nil, fmt.Errorf("marshal schema %s: %w", dt, err)
		}
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("%s.schema.json", dt)
		if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", dt, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", dt, err)
		}
		out[dt] = compiled
	}
	return out, nil
}
