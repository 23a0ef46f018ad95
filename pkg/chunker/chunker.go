// Package chunker splits extracted book text into overlapping word windows.
package chunker

import (
	"strings"

	"booktutor/pkg/domain"
)

const (
	DefaultSize         = 200
	DefaultOverlap      = 20
	DefaultWordsPerPage = 300
)

// Constraints bound chunk sizes. Size and Overlap are counted in words.
type Constraints struct {
	Size    int
	Overlap int
	// WordsPerPage approximates page boundaries when the source has no page breaks.
	WordsPerPage int
}

// Piece is one chunk before it is embedded.
type Piece struct {
	Content    string
	PageNumber int
	ChunkIndex int
	Section    string
}

// WordCount returns the number of whitespace-separated words in p.
func (p Piece) WordCount() int {
	return len(strings.Fields(p.Content))
}

type word struct {
	text    string
	page    int
	section string
}

// Chunk splits text with no explicit page breaks. Page numbers are derived
// from each chunk's word offset.
func Chunk(text string, c Constraints) []Piece {
	c = c.withDefaults()
	fields := strings.Fields(text)
	words := make([]word, len(fields))
	for i, f := range fields {
		words[i] = word{text: f, page: i/c.WordsPerPage + 1}
	}
	return window(words, c)
}

// ChunkPages splits page-tagged text. A chunk takes the page of its first word.
// Words of an Estimated page are spread over WordsPerPage-sized pages
// starting at that page's number.
func ChunkPages(pages []domain.Page, c Constraints) []Piece {
	c = c.withDefaults()
	var words []word
	for i, p := range pages {
		number := p.Number
		if number <= 0 {
			number = i + 1
		}
		for j, f := range strings.Fields(p.Text) {
			page := number
			if p.Estimated {
				page += j / c.WordsPerPage
			}
			words = append(words, word{text: f, page: page, section: p.Section})
		}
	}
	return window(words, c)
}

func window(words []word, c Constraints) []Piece {
	if len(words) == 0 {
		return nil
	}
	step := c.Size - c.Overlap
	if step <= 0 {
		step = c.Size
	}
	pieces := make([]Piece, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := start + c.Size
		if end > len(words) {
			end = len(words)
		}
		parts := make([]string, 0, end-start)
		for _, w := range words[start:end] {
			parts = append(parts, w.text)
		}
		pieces = append(pieces, Piece{
			Content:    strings.Join(parts, " "),
			PageNumber: words[start].page,
			ChunkIndex: len(pieces),
			Section:    words[start].section,
		})
		if end == len(words) {
			break
		}
	}
	return pieces
}

func (c Constraints) withDefaults() Constraints {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.WordsPerPage <= 0 {
		c.WordsPerPage = DefaultWordsPerPage
	}
	return c
}
