// Package pipeline orchestrates the per-document flow: acquire text,
// detect the document type, extract fields, validate, heal. Batches share
// one recognition engine; each document is otherwise independent.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/common"
	"github.com/panyun-fin/invoice-pipeline/internal/heal"
	"github.com/panyun-fin/invoice-pipeline/internal/ocr"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

// Options controls one Process run. Zero values fall back to the service
// configuration.
type Options struct {
	OutputDir  string
	Workers    int
	Sequential bool
}

// DocResult is the outcome for one document. A non-empty Err means the
// document could not be processed at all; the batch continues regardless.
type DocResult struct {
	Source   string             `json:"source"`
	DocType  constants.DocType  `json:"document_type"`
	Status   constants.Status   `json:"status"`
	Fields   rules.FieldMap     `json:"fields"`
	UsedOCR  bool               `json:"used_ocr"`
	Repairs  []heal.Repair      `json:"repairs,omitempty"`
	Errors   []validate.Finding `json:"errors,omitempty"`
	Warnings []validate.Finding `json:"warnings,omitempty"`
	Err      string             `json:"error,omitempty"`
}

// Summary aggregates one run.
type Summary struct {
	RunID        string         `json:"run_id"`
	Total        int            `json:"total"`
	Pass         int            `json:"pass"`
	FailLLM      int            `json:"fail_llm"`
	FailHuman    int            `json:"fail_human"`
	Unprocessed  int            `json:"unprocessed"`
	UsedOCR      int            `json:"used_ocr"`
	ErrorsByCode map[string]int `json:"errors_by_code"`
}

// Service holds the long-lived pieces of the pipeline.
type Service struct {
	cfg       *common.Config
	ocr       *ocr.Engine
	rules     *rules.Engine
	validator *validate.Validator
	healer    *heal.Healer
	logger    *slog.Logger
}

// NewService wires a pipeline from already-constructed components.
func NewService(cfg *common.Config, recog *ocr.Engine, ruleEngine *rules.Engine, validator *validate.Validator, healer *heal.Healer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		ocr:       recog,
		rules:     ruleEngine,
		validator: validator,
		healer:    healer,
		logger:    logger,
	}
}

// Process handles one file or every supported file in a directory. The
// output directory must be writable; that is the only fatal condition, every
// per-document failure is recorded in its result instead.
func (s *Service) Process(ctx context.Context, path string, opts Options) (Summary, []DocResult, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = s.cfg.Pipeline.OutputDir
	}
	if opts.Workers <= 0 {
		opts.Workers = s.cfg.Pipeline.Workers
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Summary{}, nil, common.NewAppError("OUTPUT_DIR_UNWRITABLE", "cannot create output directory", err)
	}

	docs, err := enumerate(path)
	if err != nil {
		return Summary{}, nil, err
	}

	runID := uuid.NewString()
	s.logger.Info("pipeline.run.start",
		"run_id", runID,
		"documents", len(docs),
		"sequential", opts.Sequential,
		"workers", opts.Workers,
	)

	results := make([]DocResult, len(docs))
	if opts.Sequential || opts.Workers == 1 || len(docs) == 1 {
		for i, doc := range docs {
			if err := ctx.Err(); err != nil {
				return Summary{}, nil, err
			}
			results[i] = s.processOne(ctx, doc, opts.OutputDir)
		}
	} else if err := s.processConcurrent(ctx, docs, results, opts); err != nil {
		return Summary{}, nil, err
	}

	summary := Summarize(runID, results)
	if err := s.writeRunArtifacts(opts.OutputDir, summary, results); err != nil {
		return summary, results, err
	}
	s.logger.Info("pipeline.run.done",
		"run_id", runID,
		"pass", summary.Pass,
		"fail_llm", summary.FailLLM,
		"fail_human", summary.FailHuman,
		"unprocessed", summary.Unprocessed,
	)
	return summary, results, nil
}

func (s *Service) processConcurrent(ctx context.Context, docs []string, results []DocResult, opts Options) error {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.processOne(ctx, docs[i], opts.OutputDir)
			}
		}()
	}
	for i := range docs {
		if err := ctx.Err(); err != nil {
			close(jobs)
			wg.Wait()
			return err
		}
		select {
		case <-ctx.Done():
			// stop handing out work; in-flight documents finish
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

// processOne runs the full per-document stage sequence. Stage order within a
// document is strict even in concurrent mode.
func (s *Service) processOne(ctx context.Context, path, outputDir string) DocResult {
	res := DocResult{Source: path}

	text, usedOCR, err := s.ocr.AcquireText(ctx, path)
	if err != nil {
		s.logger.Warn("pipeline.acquire.failed", "doc", path, "error", err)
		res.Status = constants.StatusFailHuman
		res.DocType = constants.DocTypeUnknown
		res.Err = err.Error()
		return res
	}
	res.UsedOCR = usedOCR

	docType := s.rules.DetectDocType(text)
	fields := s.rules.ExtractFields(docType, text)
	verdict := s.validator.Validate(docType, fields.Values(), text)
	outcome := s.healer.Heal(path, docType, fields, text, verdict)

	res.DocType = docType
	res.Status = outcome.Result.Status
	res.Fields = outcome.Fields
	res.Repairs = outcome.Repairs
	res.Errors = outcome.Result.Errors
	res.Warnings = outcome.Result.Warnings

	if err := s.writeDocArtifacts(outputDir, path, text, res); err != nil {
		s.logger.Warn("pipeline.artifact.failed", "doc", path, "error", err)
		res.Err = err.Error()
	}
	s.logger.Info("pipeline.doc.done",
		"doc", filepath.Base(path),
		"type", docType,
		"status", res.Status,
		"used_ocr", usedOCR,
	)
	return res
}

// enumerate resolves the input path to a lexicographically ordered list of
// supported documents.
func enumerate(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, common.WrapError(err, "stat input path")
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, common.WrapError(err, "read input directory")
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := constants.NormalizeExt(filepath.Ext(e.Name()))
		if _, ok := constants.AllowedExtensions[ext]; ok {
			docs = append(docs, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(docs)
	if len(docs) == 0 {
		return nil, fmt.Errorf("no supported documents under %s: %w", path, common.ErrNotFound)
	}
	return docs, nil
}

// Summarize aggregates per-document results into run counts.
func Summarize(runID string, results []DocResult) Summary {
	sum := Summary{RunID: runID, Total: len(results), ErrorsByCode: make(map[string]int)}
	for _, r := range results {
		if r.Err != "" && r.Fields == nil {
			sum.Unprocessed++
			continue
		}
		if r.UsedOCR {
			sum.UsedOCR++
		}
		switch r.Status {
		case constants.StatusPass:
			sum.Pass++
		case constants.StatusFailFixed:
			sum.FailLLM++
		case constants.StatusFailHuman:
			sum.FailHuman++
		}
		for _, f := range r.Errors {
			sum.ErrorsByCode[f.Code]++
		}
	}
	return sum
}

// stem returns the document file name without its extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
