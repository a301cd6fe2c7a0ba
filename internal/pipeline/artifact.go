package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

// The extraction artifact is a flat JSON object: one key per extracted field
// plus document_type, extracted_text, status and the bookkeeping keys below.
const (
	keyDocType  = "document_type"
	keyText     = "extracted_text"
	keyStatus   = "status"
	keyUsedOCR  = "used_ocr"
	keyEvidence = "evidence"
)

// validationReport is the per-document companion artifact.
type validationReport struct {
	Source   string             `json:"source"`
	DocType  constants.DocType  `json:"document_type"`
	Status   constants.Status   `json:"status"`
	Errors   []validate.Finding `json:"errors,omitempty"`
	Warnings []validate.Finding `json:"warnings,omitempty"`
	Repairs  any                `json:"repairs,omitempty"`
}

func buildArtifact(text string, res DocResult) map[string]any {
	artifact := make(map[string]any, len(res.Fields)+5)
	for name, value := range res.Fields.Values() {
		artifact[name] = value
	}
	artifact[keyDocType] = res.DocType
	artifact[keyText] = text
	artifact[keyStatus] = res.Status
	artifact[keyUsedOCR] = res.UsedOCR
	artifact[keyEvidence] = res.Fields
	return artifact
}

// writeDocArtifacts writes <stem>_extracted_revised.json and
// <stem>_validation_report.json for one document. The extraction artifact is
// gated through the compiled format schema before it leaves the pipeline.
func (s *Service) writeDocArtifacts(outputDir, source, text string, res DocResult) error {
	name := stem(source)

	raw, err := json.MarshalIndent(buildArtifact(text, res), "", "  ")
	if err != nil {
		return err
	}
	if res.Status == constants.StatusPass {
		if err := s.validator.ValidateArtifact(res.DocType, raw); err != nil {
			s.logger.Warn("pipeline.artifact.schema_mismatch", "doc", source, "error", err)
		}
	}
	if err := os.WriteFile(filepath.Join(outputDir, name+constants.ExtractedJSONSuffix), raw, 0o644); err != nil {
		return err
	}

	report := validationReport{
		Source:   source,
		DocType:  res.DocType,
		Status:   res.Status,
		Errors:   res.Errors,
		Warnings: res.Warnings,
	}
	if len(res.Repairs) > 0 {
		report.Repairs = res.Repairs
	}
	raw, err = json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, name+constants.ValidationReportSuffix), raw, 0o644)
}

// LoadResults reads the per-document artifacts previously written to dir so
// later commands (re-validation, export) can run without reprocessing the
// source documents. The extracted text is returned alongside each result.
func LoadResults(dir string) ([]DocResult, []string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+constants.ExtractedJSONSuffix))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var results []DocResult
	var texts []string
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		res, text, err := parseArtifact(p, raw)
		if err != nil {
			return nil, nil, err
		}

		name := strings.TrimSuffix(filepath.Base(p), constants.ExtractedJSONSuffix)
		reportPath := filepath.Join(dir, name+constants.ValidationReportSuffix)
		if rraw, err := os.ReadFile(reportPath); err == nil {
			var rep validationReport
			if err := json.Unmarshal(rraw, &rep); err == nil {
				if rep.Source != "" {
					res.Source = rep.Source
				}
				res.Errors = rep.Errors
				res.Warnings = rep.Warnings
			}
		}

		results = append(results, res)
		texts = append(texts, text)
	}
	return results, texts, nil
}

func parseArtifact(path string, raw []byte) (DocResult, string, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return DocResult{}, "", fmt.Errorf("parse artifact %s: %w", path, err)
	}

	res := DocResult{Source: path, Fields: make(rules.FieldMap)}
	var text string
	for key, val := range flat {
		switch key {
		case keyDocType:
			_ = json.Unmarshal(val, &res.DocType)
		case keyText:
			_ = json.Unmarshal(val, &text)
		case keyStatus:
			_ = json.Unmarshal(val, &res.Status)
		case keyUsedOCR:
			_ = json.Unmarshal(val, &res.UsedOCR)
		case keyEvidence:
			var fm rules.FieldMap
			if json.Unmarshal(val, &fm) == nil && len(fm) > 0 {
				res.Fields = fm
			}
		default:
			var v string
			if json.Unmarshal(val, &v) == nil {
				if _, ok := res.Fields[key]; !ok {
					res.Fields[key] = rules.Field{Value: v}
				}
			}
		}
	}
	return res, text, nil
}

// writeRunArtifacts writes validation_detail.json: the run summary plus the
// documents that still need a human.
func (s *Service) writeRunArtifacts(outputDir string, summary Summary, results []DocResult) error {
	type detail struct {
		Summary     Summary     `json:"summary"`
		NeedsReview []DocResult `json:"needs_review,omitempty"`
	}
	d := detail{Summary: summary}
	for _, r := range results {
		if r.Status == constants.StatusFailHuman {
			d.NeedsReview = append(d.NeedsReview, r)
		}
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "validation_detail.json"), raw, 0o644)
}
