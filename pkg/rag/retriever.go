// Package rag answers student questions from an ingested textbook:
// retrieval, prompt assembly, generation and chat session bookkeeping.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"booktutor/pkg/ai"
	"booktutor/pkg/domain"
	"booktutor/pkg/store"
)

const (
	DefaultTopK                = 5
	DefaultSimilarityThreshold = 0.5
)

// Embedder turns a query into a vector of the stored dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Retriever finds the chunks of one book most similar to a query.
type Retriever struct {
	embedder Embedder
	chunks   store.ChunkStore
}

func NewRetriever(embedder Embedder, chunks store.ChunkStore) *Retriever {
	return &Retriever{embedder: embedder, chunks: chunks}
}

// Retrieve returns at most k chunks with similarity >= threshold, most
// similar first. No match is an empty slice, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query, bookID string, k int, threshold float64) ([]domain.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuestion
	}
	if k <= 0 {
		k = DefaultTopK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := ai.ValidateDimension(vec, r.embedder.Dimensions()); err != nil {
		return nil, err
	}
	found, err := r.chunks.MatchEmbeddings(ctx, vec, bookID, threshold, k)
	if err != nil {
		return nil, fmt.Errorf("match embeddings: %w", err)
	}
	return rank(found, k, threshold), nil
}

// rank re-applies the ordering and bounds whatever the backend returned.
func rank(in []domain.ScoredChunk, k int, threshold float64) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, 0, min(len(in), k))
	for _, c := range in {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out
}
