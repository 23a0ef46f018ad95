package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestForFilename(t *testing.T) {
	if _, ok := ForFilename("Book.PDF").(*PDFExtractor); !ok {
		t.Fatalf("pdf extension should select PDFExtractor")
	}
	if _, ok := ForFilename("novel.epub").(EPUBExtractor); !ok {
		t.Fatalf("epub extension should select EPUBExtractor")
	}
	if _, ok := ForFilename("notes.md").(TextExtractor); !ok {
		t.Fatalf("other extensions should select TextExtractor")
	}
	if got := Format("a.pdf"); got != "pdf" {
		t.Fatalf("Format() = %q, want pdf", got)
	}
}

func TestNormalizeText(t *testing.T) {
	raw := "\uFEFF  Title \x00\t\nLine\u200B one\u0007\r\n\r\nSecond\u2060 line\u00ad"
	got := normalizeText(raw)
	want := "Title Line one Second line"
	if got != want {
		t.Fatalf("normalizeText() = %q, want %q", got, want)
	}
}

func TestTextExtractorSplitsFormFeeds(t *testing.T) {
	pages, err := TextExtractor{}.Extract(context.Background(), strings.NewReader("บทที่ 1 เซลล์\fpage two\f\fpage four"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("len(pages) = %d, want 3", len(pages))
	}
	if pages[0].Number != 1 || pages[0].Text != "บทที่ 1 เซลล์" {
		t.Fatalf("unexpected first page %+v", pages[0])
	}
	// blank pages are dropped but keep their slot in the numbering
	if pages[2].Number != 4 {
		t.Fatalf("pages[2].Number = %d, want 4", pages[2].Number)
	}
}

func TestTextExtractorMarksUnbrokenTextEstimated(t *testing.T) {
	pages, err := TextExtractor{}.Extract(context.Background(), strings.NewReader("บทที่ 1\nเซลล์เป็นหน่วยพื้นฐาน"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(pages) != 1 || !pages[0].Estimated || pages[0].Number != 1 {
		t.Fatalf("unexpected pages %+v", pages)
	}

	paged, err := TextExtractor{}.Extract(context.Background(), strings.NewReader("one\ftwo"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	for _, p := range paged {
		if p.Estimated {
			t.Fatalf("form-feed page %d marked estimated", p.Number)
		}
	}
}

func TestTextExtractorRejectsBlankInput(t *testing.T) {
	for _, in := range []string{"", "   \n\f  "} {
		_, err := TextExtractor{}.Extract(context.Background(), strings.NewReader(in))
		var exErr *ExtractionError
		if !errors.As(err, &exErr) {
			t.Fatalf("input %q: want ExtractionError, got %v", in, err)
		}
	}
}

func TestPDFExtractorRejectsGarbage(t *testing.T) {
	_, err := (&PDFExtractor{}).Extract(context.Background(), strings.NewReader("this is not a pdf"))
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("want ExtractionError, got %v", err)
	}
	if exErr.Format != "pdf" {
		t.Fatalf("Format = %q, want pdf", exErr.Format)
	}
}

func TestEPUBExtractorOnePagePerDocument(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct{ name, body string }{
		{"mimetype", "application/epub+zip"},
		{"OEBPS/ch1.xhtml", `<html><head><title>Chapter 1</title><style>p{}</style></head><body><p>Plants make food.</p><script>x()</script></body></html>`},
		{"OEBPS/empty.xhtml", `<html><body>  </body></html>`},
		{"OEBPS/ch2.html", `<html><body><p>Animals eat plants.</p></body></html>`},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	pages, err := EPUBExtractor{}.Extract(context.Background(), &buf)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("len(pages) = %d, want 2", len(pages))
	}
	if pages[0].Text != "Plants make food." || pages[0].Section != "Chapter 1" || pages[0].Number != 1 {
		t.Fatalf("unexpected page %+v", pages[0])
	}
	if pages[1].Section != "ch2.html" || pages[1].Number != 2 {
		t.Fatalf("unexpected page %+v", pages[1])
	}
}

func TestExtractHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (TextExtractor{}).Extract(ctx, strings.NewReader("hello")); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
