// Package export renders a run's results as an XLSX workbook for the
// finance team.
package export

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/panyun-fin/invoice-pipeline/internal/pipeline"
)

// Service produces XLSX bytes from pipeline results.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// ExportResultsXLSX returns a workbook with one row per processed document
// and a Summary sheet with the run counts.
func (s *Service) ExportResultsXLSX(summary pipeline.Summary, results []pipeline.DocResult) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Documents"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"File",
		"Document Type",
		"Status",
		"Payer",
		"Payee / Seller",
		"Amount",
		"Date",
		"UID",
		"OCR",
		"Errors",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, r := range results {
		fields := r.Fields.Values()
		counterparty := fields["payee"]
		if counterparty == "" {
			counterparty = fields["seller"]
		}
		amount := fields["total_amount"]
		if amount == "" {
			amount = fields["amount"]
		}

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, filepath.Base(r.Source))
		write(2, string(r.DocType))
		write(3, string(r.Status))
		write(4, fields["payer"])
		write(5, counterparty)
		write(6, amount)
		write(7, fields["date"])
		write(8, fields["uid"])
		write(9, r.UsedOCR)
		write(10, joinErrorCodes(r))
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 40) // file
	_ = f.SetColWidth(sheet, "B", "C", 18)
	_ = f.SetColWidth(sheet, "D", "E", 32) // entity names
	_ = f.SetColWidth(sheet, "F", "H", 16)
	_ = f.SetColWidth(sheet, "J", "J", 48) // error codes

	if err := s.writeSummarySheet(f, summary); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"run_id", summary.RunID,
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) writeSummarySheet(f *excelize.File, summary pipeline.Summary) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	rows := [][2]any{
		{"Run ID", summary.RunID},
		{"Total", summary.Total},
		{"Pass", summary.Pass},
		{"Fail (machine-repairable)", summary.FailLLM},
		{"Fail (needs human)", summary.FailHuman},
		{"Unprocessed", summary.Unprocessed},
		{"OCR documents", summary.UsedOCR},
	}
	for i, r := range rows {
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", i+1), r[0])
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", i+1), r[1])
	}
	row := len(rows) + 2
	_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), "Errors by code")
	row++
	for _, code := range sortedCodes(summary.ErrorsByCode) {
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), code)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), summary.ErrorsByCode[code])
		row++
	}
	_ = f.SetColWidth(sheet, "A", "A", 32)
	return nil
}

func joinErrorCodes(r pipeline.DocResult) string {
	if r.Err != "" {
		return r.Err
	}
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, e.Code)
	}
	return strings.Join(codes, ", ")
}

func sortedCodes(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
