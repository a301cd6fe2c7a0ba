// Package ocr acquires document text: the embedded PDF text layer when it
// is usable, a rasterize-and-recognize fallback otherwise. The recognition
// engine is heavyweight, so one Engine is shared across a whole batch.
package ocr

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/panyun-fin/invoice-pipeline/internal/common"
)

// minTextLayerChars is the threshold below which the embedded text layer is
// considered absent and recognition kicks in.
const minTextLayerChars = 50

// Engine turns a PDF path into text. It is safe for concurrent use: the
// recognition backend is probed at most once, and a failed probe latches
// permanently so later documents degrade to the text layer without
// re-probing or re-logging.
type Engine struct {
	cfg     common.OCRConfig
	runner  Runner
	logger  Logger
	analyze func(path string) (*pdfInfo, error)

	initOnce sync.Once
	ocrErr   error

	closeOnce sync.Once
}

// Logger is the subset of slog used by the engine.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// NewEngine builds an engine over the given configuration. Passing a nil
// runner selects the real exec-backed one.
func NewEngine(cfg common.OCRConfig, runner Runner, logger Logger) *Engine {
	if runner == nil {
		runner = execRunner{}
	}
	return &Engine{cfg: cfg, runner: runner, logger: logger, analyze: analyzePDF}
}

// ensureOCR probes the recognition backend exactly once. All concurrent
// callers block on the same probe and observe the same outcome.
func (e *Engine) ensureOCR(ctx context.Context) error {
	e.initOnce.Do(func() {
		_, _, err := e.runner.Run(ctx, e.cfg.Tesseract, "--version")
		if err != nil {
			e.ocrErr = fmt.Errorf("recognition backend unavailable: %w", err)
			e.logger.Warn("ocr.init_failed",
				"tesseract", e.cfg.Tesseract,
				"error", err,
			)
			return
		}
		e.logger.Info("ocr.ready", "lang", e.cfg.Lang, "dpi", e.cfg.DPI)
	})
	return e.ocrErr
}

// AcquireText returns the document's text and whether recognition was used.
// Text-layer documents never touch the recognition backend. When the text
// layer is thin and the backend is unavailable or fails mid-document, the
// thin text is returned as-is so downstream validation can flag the document
// instead of the whole batch failing.
func (e *Engine) AcquireText(ctx context.Context, path string) (text string, usedOCR bool, err error) {
	layer, layerErr := e.textLayer(ctx, path)
	if layerErr == nil && len(strings.TrimSpace(layer)) > minTextLayerChars {
		return layer, false, nil
	}

	info, infoErr := e.analyze(path)
	if infoErr != nil {
		if layerErr != nil {
			return "", false, common.NewAppError("PDF_UNREADABLE", "document is not a readable PDF", infoErr)
		}
		// Structurally odd but the text layer worked; keep what we have.
		e.logger.Debug("ocr.analyze_failed", "path", path, "error", infoErr)
		return layer, false, nil
	}
	if !info.HasImageStreams {
		// Nothing to rasterize. A born-digital PDF with almost no text is
		// just an empty document.
		return layer, false, layerErr
	}

	if err := e.ensureOCR(ctx); err != nil {
		e.logger.Debug("ocr.degraded", "path", path)
		return layer, false, nil
	}

	recognized, err := e.recognizeDocument(ctx, path)
	if err != nil {
		// Recognition failures never fail the document; the text layer,
		// however thin, is what downstream validation gets to judge.
		e.logger.Warn("ocr.recognize_failed", "path", path, "error", err)
		return layer, false, nil
	}
	return recognized, true, nil
}

// recognizeDocument rasterizes every page and joins the recognized pages
// with form feeds, matching the page separator pdftotext emits.
func (e *Engine) recognizeDocument(ctx context.Context, path string) (string, error) {
	dir, err := os.MkdirTemp("", "invoice-ocr-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	// Page rasters at 300 DPI are large; return the memory promptly.
	defer runtime.GC()

	pages, err := e.rasterize(ctx, path, dir)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", common.NewAppError("OCR_NO_PAGES", "rasterizer produced no pages", nil)
	}

	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		txt, err := e.recognize(ctx, page)
		if err != nil {
			return "", err
		}
		parts = append(parts, txt)
	}
	return strings.Join(parts, "\f"), nil
}

// Close releases the engine. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.logger.Debug("ocr.closed")
	})
	return nil
}
