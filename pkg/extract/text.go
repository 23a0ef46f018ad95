package extract

import (
	"context"
	"io"
	"strings"

	"booktutor/pkg/domain"
)

// TextExtractor reads UTF-8 text. Form feeds separate pages, which is also
// what pdftotext emits, so text dumps of PDFs keep their page numbers.
type TextExtractor struct{}

func (TextExtractor) Extract(ctx context.Context, r io.Reader) ([]domain.Page, error) {
	data, err := readAll(ctx, "text", r)
	if err != nil {
		return nil, err
	}
	pages := splitFormFeeds(string(data))
	if !hasText(pages) {
		return nil, errNoText("text")
	}
	return pages, nil
}

func splitFormFeeds(raw string) []domain.Page {
	parts := strings.Split(raw, "\f")
	if len(parts) == 1 {
		text := normalizeText(raw)
		if text == "" {
			return nil
		}
		return []domain.Page{{Number: 1, Text: text, Estimated: true}}
	}
	pages := make([]domain.Page, 0, len(parts))
	for i, part := range parts {
		text := normalizeText(part)
		if text == "" {
			continue
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: text})
	}
	return pages
}
