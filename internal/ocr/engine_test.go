package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyun-fin/invoice-pipeline/internal/common"
)

// stubRunner routes commands to per-binary handlers and counts calls.
type stubRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(args ...string) ([]byte, error)
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		calls:    make(map[string]int),
		handlers: make(map[string]func(args ...string) ([]byte, error)),
	}
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.mu.Lock()
	s.calls[name]++
	h := s.handlers[name]
	s.mu.Unlock()
	if h == nil {
		return nil, nil, fmt.Errorf("no handler for %s", name)
	}
	out, err := h(args...)
	return out, nil, err
}

func (s *stubRunner) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// countingLogger counts log calls per level.
type countingLogger struct {
	mu                   sync.Mutex
	infos, warns, debugs int
}

func (l *countingLogger) Info(string, ...any)  { l.mu.Lock(); l.infos++; l.mu.Unlock() }
func (l *countingLogger) Warn(string, ...any)  { l.mu.Lock(); l.warns++; l.mu.Unlock() }
func (l *countingLogger) Debug(string, ...any) { l.mu.Lock(); l.debugs++; l.mu.Unlock() }

func (l *countingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns
}

func testConfig() common.OCRConfig {
	return common.OCRConfig{
		Pdftotext: "pdftotext",
		Pdftoppm:  "pdftoppm",
		Tesseract: "tesseract",
		Lang:      "chi_sim+eng",
		DPI:       300,
	}
}

const richText = "电子回单 付款方：ABC贸易有限公司 收款方：XYZ网络有限公司 金额：￥1,000.00 回单流水号：2025040212345678"

func TestAcquireText_TextLayerSufficient(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte(richText), nil
	}
	e := NewEngine(testConfig(), runner, &countingLogger{})
	defer e.Close()

	text, usedOCR, err := e.AcquireText(context.Background(), "/docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, richText, text)
	assert.False(t, usedOCR)
	assert.Zero(t, runner.count("tesseract"), "text-layer documents never touch the recognition backend")
}

func TestAcquireText_OCRPath(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte("  \n"), nil
	}
	runner.handlers["pdftoppm"] = func(args ...string) ([]byte, error) {
		root := args[len(args)-1]
		require.NoError(t, os.WriteFile(root+"-1.png", []byte("img"), 0o644))
		require.NoError(t, os.WriteFile(root+"-2.png", []byte("img"), 0o644))
		return nil, nil
	}
	runner.handlers["tesseract"] = func(args ...string) ([]byte, error) {
		if args[0] == "--version" {
			return []byte("tesseract 5.3"), nil
		}
		return []byte("page " + filepath.Base(args[0]) + "\n"), nil
	}

	e := NewEngine(testConfig(), runner, &countingLogger{})
	defer e.Close()
	e.analyze = func(string) (*pdfInfo, error) {
		return &pdfInfo{PageCount: 2, HasImageStreams: true}, nil
	}

	text, usedOCR, err := e.AcquireText(context.Background(), "/docs/scan.pdf")
	require.NoError(t, err)
	assert.True(t, usedOCR)
	assert.Equal(t, "page page-1.png\fpage page-2.png", text)
}

func TestAcquireText_RecognitionFailureDegradesToTextLayer(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte("thin layer"), nil
	}
	runner.handlers["pdftoppm"] = func(args ...string) ([]byte, error) {
		root := args[len(args)-1]
		require.NoError(t, os.WriteFile(root+"-1.png", []byte("img"), 0o644))
		return nil, nil
	}
	runner.handlers["tesseract"] = func(args ...string) ([]byte, error) {
		if args[0] == "--version" {
			return []byte("tesseract 5.3"), nil
		}
		return nil, errors.New("tesseract: inference crash")
	}
	logger := &countingLogger{}
	e := NewEngine(testConfig(), runner, logger)
	e.analyze = func(string) (*pdfInfo, error) {
		return &pdfInfo{PageCount: 1, HasImageStreams: true}, nil
	}

	text, usedOCR, err := e.AcquireText(context.Background(), "/docs/scan.pdf")
	require.NoError(t, err, "a crashing backend never fails the document")
	assert.False(t, usedOCR)
	assert.Equal(t, "thin layer", text)
	assert.Equal(t, 1, logger.warnCount())
}

func TestAcquireText_EmptyRasterDegradesToTextLayer(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte("thin layer"), nil
	}
	runner.handlers["pdftoppm"] = func(args ...string) ([]byte, error) {
		return nil, nil // writes no page images
	}
	runner.handlers["tesseract"] = func(args ...string) ([]byte, error) {
		return []byte("tesseract 5.3"), nil
	}
	e := NewEngine(testConfig(), runner, &countingLogger{})
	e.analyze = func(string) (*pdfInfo, error) {
		return &pdfInfo{PageCount: 1, HasImageStreams: true}, nil
	}

	text, usedOCR, err := e.AcquireText(context.Background(), "/docs/scan.pdf")
	require.NoError(t, err)
	assert.False(t, usedOCR)
	assert.Equal(t, "thin layer", text)
}

func TestAcquireText_BornDigitalEmptyDocument(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte("thin"), nil
	}
	e := NewEngine(testConfig(), runner, &countingLogger{})
	e.analyze = func(string) (*pdfInfo, error) {
		return &pdfInfo{PageCount: 1, HasImageStreams: false}, nil
	}

	text, usedOCR, err := e.AcquireText(context.Background(), "/docs/empty.pdf")
	require.NoError(t, err)
	assert.Equal(t, "thin", text)
	assert.False(t, usedOCR)
	assert.Zero(t, runner.count("tesseract"))
}

func TestAcquireText_UnreadableSource(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return nil, errors.New("broken file")
	}
	e := NewEngine(testConfig(), runner, &countingLogger{})
	e.analyze = func(string) (*pdfInfo, error) {
		return nil, errors.New("not a pdf")
	}

	_, _, err := e.AcquireText(context.Background(), "/docs/corrupt.pdf")
	require.Error(t, err)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PDF_UNREADABLE", appErr.Code)
}

func TestAcquireText_ConcurrentFailingBackendProbesOnce(t *testing.T) {
	runner := newStubRunner()
	runner.handlers["pdftotext"] = func(args ...string) ([]byte, error) {
		return []byte("thin layer"), nil
	}
	runner.handlers["tesseract"] = func(args ...string) ([]byte, error) {
		return nil, errors.New("tesseract: not found")
	}
	logger := &countingLogger{}
	e := NewEngine(testConfig(), runner, logger)
	e.analyze = func(string) (*pdfInfo, error) {
		return &pdfInfo{PageCount: 1, HasImageStreams: true}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	texts := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, usedOCR, err := e.AcquireText(context.Background(), fmt.Sprintf("/docs/%d.pdf", i))
			assert.False(t, usedOCR)
			texts[i], errs[i] = text, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "thin layer", texts[i], "every caller falls back to the text layer")
	}
	assert.Equal(t, 1, runner.count("tesseract"), "failed probe latches permanently")
	assert.Equal(t, 1, logger.warnCount(), "init failure is logged exactly once")
}

func TestRasterizeArgsHonorMaxPages(t *testing.T) {
	runner := newStubRunner()
	var seen []string
	runner.handlers["pdftoppm"] = func(args ...string) ([]byte, error) {
		seen = args
		return nil, nil
	}
	cfg := testConfig()
	cfg.MaxPages = 5
	e := NewEngine(cfg, runner, &countingLogger{})

	dir := t.TempDir()
	_, err := e.rasterize(context.Background(), "/docs/a.pdf", dir)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(seen, " "), "-f 1 -l 5")
	assert.Contains(t, seen, "-png")
}

func TestClose_Idempotent(t *testing.T) {
	e := NewEngine(testConfig(), newStubRunner(), &countingLogger{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
