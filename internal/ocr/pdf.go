package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// pdfInfo is the structural summary used to decide whether a document is
// worth rasterizing.
type pdfInfo struct {
	PageCount       int
	HasImageStreams bool
}

// analyzePDF validates the file and reports page count and the presence of
// image XObjects. Scanned invoices are image-only, so a thin text layer
// plus image streams is the cue to rasterize.
func analyzePDF(path string) (*pdfInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	return &pdfInfo{
		PageCount:       ctx.PageCount,
		HasImageStreams: detectImageStreams(ctx),
	}, nil
}

// detectImageStreams checks if the PDF contains image XObjects.
func detectImageStreams(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				return true
			}
		}
	}
	// Fallback: scan the XRefTable for image subtype objects.
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// textLayer extracts the embedded text layer with pdftotext, preserving the
// physical layout so labels and values stay on the same line.
func (e *Engine) textLayer(ctx context.Context, path string) (string, error) {
	out, _, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext %s: %w", filepath.Base(path), err)
	}
	return string(out), nil
}

// rasterize renders the document to PNG pages under dir and returns the page
// image paths in page order.
func (e *Engine) rasterize(ctx context.Context, path, dir string) ([]string, error) {
	args := []string{"-png", "-r", strconv.Itoa(e.cfg.DPI)}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(e.cfg.MaxPages))
	}
	args = append(args, path, filepath.Join(dir, "page"))
	if _, _, err := e.runner.Run(ctx, e.cfg.Pdftoppm, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm %s: %w", filepath.Base(path), err)
	}

	pages, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	// pdftoppm zero-pads page numbers, so lexicographic order is page order.
	sort.Strings(pages)
	return pages, nil
}

// recognize runs tesseract over one page image and returns its text.
func (e *Engine) recognize(ctx context.Context, imagePath string) (string, error) {
	out, _, err := e.runner.Run(ctx, e.cfg.Tesseract, imagePath, "stdout", "-l", e.cfg.Lang, "--psm", "6")
	if err != nil {
		return "", fmt.Errorf("tesseract %s: %w", filepath.Base(imagePath), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}
