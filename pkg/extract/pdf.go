package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ledongthuc/pdf"

	"booktutor/pkg/domain"
)

// PDFExtractor reads PDFs page by page. When UsePdftotext is set and the
// poppler tool is on PATH it is tried first, since it copes better with
// complex scripts such as Thai; the pure Go reader is the fallback.
type PDFExtractor struct {
	UsePdftotext bool
}

func (e *PDFExtractor) Extract(ctx context.Context, r io.Reader) ([]domain.Page, error) {
	data, err := readAll(ctx, "pdf", r)
	if err != nil {
		return nil, err
	}
	if e.UsePdftotext {
		if pages, err := pdftotextPages(ctx, data); err == nil && hasText(pages) {
			return pages, nil
		}
	}
	return goPDFPages(ctx, data)
}

func pdftotextPages(ctx context.Context, data []byte) ([]domain.Page, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return nil, fmt.Errorf("pdftotext not found: %w", err)
	}
	tmp, err := os.CreateTemp("", "booktutor-*.pdf")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pdftotext failed: %w", err)
	}
	return splitFormFeeds(string(output)), nil
}

func goPDFPages(ctx context.Context, data []byte) ([]domain.Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractionError{Format: "pdf", Reason: "open pdf", Err: err}
	}
	total := reader.NumPage()
	pages := make([]domain.Page, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// one broken page should not lose the book
			continue
		}
		if text = normalizeText(text); text != "" {
			pages = append(pages, domain.Page{Number: i, Text: text})
		}
	}
	if !hasText(pages) {
		return nil, errNoText("pdf")
	}
	return pages, nil
}
