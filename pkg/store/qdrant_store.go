package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"booktutor/pkg/domain"
)

// DefaultQdrantCollection holds book chunks when no name is configured.
const DefaultQdrantCollection = "booktutor_chunks"

// qdrantAPI is the subset of *qdrant.Client the chunk store uses.
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantChunkStore keeps chunk vectors in a Qdrant collection using cosine
// distance. Books and sessions stay in the relational store.
type QdrantChunkStore struct {
	client     qdrantAPI
	collection string
	dim        int
}

// QdrantConfig configures NewQdrantChunkStore.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dim        int
}

// NewQdrantChunkStore connects over gRPC, waits for the server to become
// healthy and makes sure the collection exists.
func NewQdrantChunkStore(ctx context.Context, cfg QdrantConfig) (*QdrantChunkStore, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("qdrant: embedding dimension must be positive")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	s := newQdrantChunkStore(client, cfg.Collection, cfg.Dim)
	if err := s.waitHealthy(ctx); err != nil {
		client.Close()
		return nil, wrapErr("qdrant health", err)
	}
	if err := s.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newQdrantChunkStore(client qdrantAPI, collection string, dim int) *QdrantChunkStore {
	if collection == "" {
		collection = DefaultQdrantCollection
	}
	return &QdrantChunkStore{client: client, collection: collection, dim: dim}
}

func (s *QdrantChunkStore) waitHealthy(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error { return s.Health(ctx) }, backoff.WithContext(b, ctx))
}

// Health performs a single health check.
func (s *QdrantChunkStore) Health(ctx context.Context) error {
	reply, err := s.client.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if reply == nil || reply.GetTitle() == "" {
		return fmt.Errorf("qdrant health check returned an empty reply")
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes if missing.
func (s *QdrantChunkStore) EnsureCollection(ctx context.Context) error {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return wrapErr("list collections", err)
	}
	for _, name := range names {
		if name == s.collection {
			return nil
		}
	}
	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return wrapErr("create collection", err)
	}
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "book_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	}); err != nil {
		return wrapErr("create book_id index", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantChunkStore) Close() error { return s.client.Close() }

func (s *QdrantChunkStore) bookFilter(bookID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("book_id", bookID)}}
}

func (s *QdrantChunkStore) PurgeChunks(ctx context.Context, bookID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(s.bookFilter(bookID)),
	})
	return wrapErr("purge chunks", err)
}

// InsertChunk upserts one point. The point ID is derived from the book and
// chunk index, so a rerun overwrites instead of duplicating.
func (s *QdrantChunkStore) InsertChunk(ctx context.Context, c domain.Chunk) error {
	if err := checkDim(c.Embedding, s.dim); err != nil {
		return err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(pointID(c.BookID, c.ChunkIndex)),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: qdrant.NewValueMap(map[string]any{
			"chunk_id":    c.ID,
			"book_id":     c.BookID,
			"chunk_index": c.ChunkIndex,
			"page_number": c.PageNumber,
			"content":     c.Content,
			"title":       c.Metadata.Title,
			"author":      c.Metadata.Author,
			"section":     c.Metadata.Section,
			"created_at":  createdAt.Format(time.RFC3339Nano),
		}),
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	return wrapErr("insert chunk", err)
}

func (s *QdrantChunkStore) MatchEmbeddings(ctx context.Context, vec []float32, bookID string, threshold float64, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := checkDim(vec, s.dim); err != nil {
		return nil, err
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vec...),
		Filter:         s.bookFilter(bookID),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapErr("match embeddings", err)
	}
	out := make([]domain.ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, domain.ScoredChunk{Chunk: chunkFromPayload(r.GetPayload()), Similarity: float64(r.GetScore())})
	}
	return out, nil
}

func (s *QdrantChunkStore) CountChunks(ctx context.Context, bookID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         s.bookFilter(bookID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapErr("count chunks", err)
	}
	return int(n), nil
}

func pointID(bookID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("booktutor:"+bookID+"#"+strconv.Itoa(chunkIndex))).String()
}

func chunkFromPayload(p map[string]*qdrant.Value) domain.Chunk {
	createdAt, _ := time.Parse(time.RFC3339Nano, p["created_at"].GetStringValue())
	return domain.Chunk{
		ID:         p["chunk_id"].GetStringValue(),
		BookID:     p["book_id"].GetStringValue(),
		Content:    p["content"].GetStringValue(),
		PageNumber: int(p["page_number"].GetIntegerValue()),
		ChunkIndex: int(p["chunk_index"].GetIntegerValue()),
		Metadata: domain.BookMetadata{
			Title:   p["title"].GetStringValue(),
			Author:  p["author"].GetStringValue(),
			Section: p["section"].GetStringValue(),
		},
		CreatedAt: createdAt,
	}
}
