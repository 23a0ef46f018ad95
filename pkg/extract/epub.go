package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html"

	"booktutor/pkg/domain"
)

// EPUBExtractor emits one page per XHTML document in archive order.
// Section carries the document's <title>, or its file name.
type EPUBExtractor struct{}

func (EPUBExtractor) Extract(ctx context.Context, r io.Reader) ([]domain.Page, error) {
	data, err := readAll(ctx, "epub", r)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractionError{Format: "epub", Reason: "open epub", Err: err}
	}
	var pages []domain.Page
	for _, file := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := strings.ToLower(file.Name)
		if !(strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, &ExtractionError{Format: "epub", Reason: "read " + file.Name, Err: err}
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, &ExtractionError{Format: "epub", Reason: "read " + file.Name, Err: err}
		}
		doc, err := html.Parse(bytes.NewReader(raw))
		if err != nil {
			return nil, &ExtractionError{Format: "epub", Reason: "parse " + file.Name, Err: err}
		}
		text := normalizeText(nodeText(doc))
		if text == "" {
			continue
		}
		section := normalizeText(titleText(doc))
		if section == "" {
			section = path.Base(file.Name)
		}
		pages = append(pages, domain.Page{Number: len(pages) + 1, Text: text, Section: section})
	}
	if !hasText(pages) {
		return nil, errNoText("epub")
	}
	return pages, nil
}

func nodeText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			switch node.Data {
			case "script", "style", "head":
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return buf.String()
}

func titleText(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		var buf strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				buf.WriteString(c.Data)
			}
		}
		return buf.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := titleText(c); t != "" {
			return t
		}
	}
	return ""
}
