package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyun-fin/invoice-pipeline/constants"
	"github.com/panyun-fin/invoice-pipeline/internal/common"
	"github.com/panyun-fin/invoice-pipeline/internal/heal"
	"github.com/panyun-fin/invoice-pipeline/internal/ocr"
	"github.com/panyun-fin/invoice-pipeline/internal/rules"
	"github.com/panyun-fin/invoice-pipeline/internal/validate"
)

// fileRunner serves the text layer straight from the fake document's bytes,
// so tests exercise the pipeline without poppler installed.
type fileRunner struct{}

func (fileRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	if name != "pdftotext" {
		return nil, nil, errors.New(name + ": not available")
	}
	raw, err := os.ReadFile(args[3])
	if err != nil {
		return nil, nil, err
	}
	if string(raw) == "CORRUPT" {
		return nil, []byte("syntax error"), errors.New("pdftotext: damaged file")
	}
	return raw, nil, nil
}

const receiptDoc = `电子回单
付款方：ABC贸易有限公司
收款方：XYZ网络有限公司
借贷标志：借
金额：￥1,000.00
回单流水号：2025040212345678
2025年04月02日`

const invoiceDoc = `电子发票(普通发票)
发票号码：25312000000172619499
开票日期：2025年04月02日
购买方名称：某某科技有限公司
销售方名称：某某贸易有限公司
价税合计(大写) 叁仟贰佰捌拾元贰角玖分 (小写)￥3,280.29`

const unknownDoc = `this is a plain english letter with no recognizable financial markers,
long enough to clear the text layer threshold easily.`

func newTestService(t *testing.T, outputDir string) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := &common.Config{
		Pipeline: common.PipelineConfig{OutputDir: outputDir, Workers: 4},
		OCR: common.OCRConfig{
			Pdftotext: "pdftotext",
			Pdftoppm:  "pdftoppm",
			Tesseract: "tesseract",
			Lang:      "chi_sim+eng",
			DPI:       300,
		},
	}
	engine, err := rules.NewEngine(rules.DefaultBasePack(), nil, logger)
	require.NoError(t, err)
	validator, err := validate.NewValidator(validate.WithClock(func() time.Time {
		return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	healer := heal.NewHealer(engine, validator, logger)
	recog := ocr.NewEngine(cfg.OCR, fileRunner{}, logger)

	return NewService(cfg, recog, engine, validator, healer, logger)
}

func writeDocs(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestProcess_Directory(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{
		"a_receipt.pdf": receiptDoc,
		"b_invoice.pdf": invoiceDoc,
		"c_unknown.pdf": unknownDoc,
		"notes.txt":     "ignored, wrong extension",
	})
	outDir := t.TempDir()
	s := newTestService(t, outDir)

	summary, results, err := s.Process(context.Background(), inputDir, Options{Sequential: true})
	require.NoError(t, err)
	require.Len(t, results, 3, "only supported extensions are enumerated")

	// lexicographic enumeration order
	assert.Contains(t, results[0].Source, "a_receipt.pdf")
	assert.Contains(t, results[1].Source, "b_invoice.pdf")
	assert.Contains(t, results[2].Source, "c_unknown.pdf")

	assert.Equal(t, constants.BankReceipt, results[0].DocType)
	assert.Equal(t, constants.StatusPass, results[0].Status)
	assert.Equal(t, "ABC贸易有限公司", results[0].Fields.Get("payer"))

	assert.Equal(t, constants.VATInvoice, results[1].DocType)
	assert.Equal(t, constants.StatusPass, results[1].Status)
	assert.Equal(t, "3280.29", results[1].Fields.Get("total_amount"))

	assert.Equal(t, constants.DocTypeUnknown, results[2].DocType)
	assert.Equal(t, constants.StatusFailHuman, results[2].Status)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Pass)
	assert.Equal(t, 1, summary.FailHuman)
	assert.Equal(t, 1, summary.ErrorsByCode[constants.CodeDocTypeUnknown])

	// per-document artifacts
	for _, stemName := range []string{"a_receipt", "b_invoice", "c_unknown"} {
		assert.FileExists(t, filepath.Join(outDir, stemName+constants.ExtractedJSONSuffix))
		assert.FileExists(t, filepath.Join(outDir, stemName+constants.ValidationReportSuffix))
	}
	assert.FileExists(t, filepath.Join(outDir, "validation_detail.json"))
}

func TestProcess_DeterministicAcrossModes(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{
		"a.pdf": receiptDoc,
		"b.pdf": invoiceDoc,
		"c.pdf": unknownDoc,
		"d.pdf": receiptDoc,
	})

	outSeq := t.TempDir()
	_, seq, err := newTestService(t, outSeq).Process(context.Background(), inputDir, Options{Sequential: true})
	require.NoError(t, err)

	outConc := t.TempDir()
	_, conc, err := newTestService(t, outConc).Process(context.Background(), inputDir, Options{Workers: 3})
	require.NoError(t, err)

	require.Len(t, conc, len(seq))
	for i := range seq {
		assert.Equal(t, seq[i].Source, conc[i].Source)
		assert.Equal(t, seq[i].DocType, conc[i].DocType)
		assert.Equal(t, seq[i].Status, conc[i].Status)
		assert.Equal(t, seq[i].Fields.Values(), conc[i].Fields.Values())
	}
}

func TestProcess_FailureIsolation(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{
		"a.pdf":   receiptDoc,
		"bad.pdf": "CORRUPT", // text layer fails and the file is not a parseable PDF
	})
	outDir := t.TempDir()
	s := newTestService(t, outDir)

	summary, results, err := s.Process(context.Background(), inputDir, Options{Sequential: true})
	require.NoError(t, err, "a corrupt document never aborts the batch")
	require.Len(t, results, 2)

	assert.Equal(t, constants.StatusPass, results[0].Status)
	assert.Equal(t, constants.StatusFailHuman, results[1].Status)
	assert.NotEmpty(t, results[1].Err)

	assert.Equal(t, 1, summary.Pass)
	assert.Equal(t, 1, summary.Unprocessed)
}

func TestProcess_SingleFile(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{"only.pdf": invoiceDoc})
	outDir := t.TempDir()
	s := newTestService(t, outDir)

	summary, results, err := s.Process(context.Background(), filepath.Join(inputDir, "only.pdf"), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, constants.StatusPass, results[0].Status)
	assert.Equal(t, 1, summary.Pass)
}

func TestProcess_EmptyDirectory(t *testing.T) {
	s := newTestService(t, t.TempDir())
	_, _, err := s.Process(context.Background(), t.TempDir(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestArtifactRoundTrip(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{"a.pdf": receiptDoc})
	outDir := t.TempDir()
	s := newTestService(t, outDir)

	_, results, err := s.Process(context.Background(), inputDir, Options{Sequential: true})
	require.NoError(t, err)
	require.Len(t, results, 1)

	loaded, texts, err := LoadResults(outDir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, results[0].DocType, loaded[0].DocType)
	assert.Equal(t, results[0].Status, loaded[0].Status)
	assert.Equal(t, results[0].Fields.Values(), loaded[0].Fields.Values())
	assert.NotEmpty(t, texts[0])

	// the artifact on disk is a flat object keyed by the field map
	raw, err := os.ReadFile(filepath.Join(outDir, "a"+constants.ExtractedJSONSuffix))
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "ABC贸易有限公司", flat["payer"])
	assert.Equal(t, string(constants.BankReceipt), flat["document_type"])
	assert.Contains(t, flat, "extracted_text")
	assert.Contains(t, flat, "status")
}

func TestProcess_ContextCancellation(t *testing.T) {
	inputDir := writeDocs(t, map[string]string{
		"a.pdf": receiptDoc,
		"b.pdf": invoiceDoc,
		"c.pdf": receiptDoc,
		"d.pdf": invoiceDoc,
	})
	s := newTestService(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Process(ctx, inputDir, Options{Sequential: true})
	require.ErrorIs(t, err, context.Canceled)

	_, results, err := s.Process(ctx, inputDir, Options{Workers: 3})
	require.ErrorIs(t, err, context.Canceled, "concurrent mode reports cancellation instead of a partial summary")
	assert.Nil(t, results)
}
