// Package extract turns uploaded book files into page-tagged text.
package extract

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"booktutor/pkg/domain"
)

// Extractor reads a document and returns its text split by page.
// Page numbers are 1-based. Section is optional.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader) ([]domain.Page, error)
}

// ExtractionError reports a document that could not be read.
type ExtractionError struct {
	Format string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "extract " + e.Format
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ForFilename picks an extractor from the file extension.
// Anything that is neither PDF nor EPUB is read as plain text.
func ForFilename(filename string) Extractor {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return &PDFExtractor{UsePdftotext: true}
	case ".epub":
		return EPUBExtractor{}
	default:
		return TextExtractor{}
	}
}

// Format returns the short format name used in errors and logs.
func Format(filename string) string {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".pdf", ".epub":
		return ext[1:]
	default:
		return "text"
	}
}

// hasText reports whether at least one page carries non-blank text.
func hasText(pages []domain.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

func readAll(ctx context.Context, format string, r io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &ExtractionError{Format: format, Reason: "no input"}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ExtractionError{Format: format, Reason: "read input", Err: err}
	}
	if len(data) == 0 {
		return nil, &ExtractionError{Format: format, Reason: "empty file"}
	}
	return data, nil
}

// normalizeText removes NULs, invalid UTF-8, zero-width and control
// characters and collapses whitespace to single spaces.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060', '\u00AD':
			return -1
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func errNoText(format string) error {
	return &ExtractionError{Format: format, Reason: fmt.Sprintf("no text extracted from %s", format)}
}
