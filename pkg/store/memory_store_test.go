package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"booktutor/pkg/domain"
)

func TestMemoryStoreMatchEmbeddingsOrdersAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	vectors := [][]float32{{1, 0}, {0.8, 0.6}, {0, 1}, {-1, 0}}
	for i, v := range vectors {
		if err := s.InsertChunk(ctx, domain.Chunk{ID: string(rune('a' + i)), BookID: "b1", ChunkIndex: i, Embedding: v}); err != nil {
			t.Fatalf("insert chunk %d: %v", i, err)
		}
	}
	if err := s.InsertChunk(ctx, domain.Chunk{ID: "other", BookID: "b2", ChunkIndex: 0, Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("insert other book: %v", err)
	}

	got, err := s.MatchEmbeddings(ctx, []float32{1, 0}, "b1", 0.5, 5)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ChunkIndex != 0 || got[1].ChunkIndex != 1 {
		t.Fatalf("unexpected order: %d, %d", got[0].ChunkIndex, got[1].ChunkIndex)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Fatalf("results not sorted by similarity")
	}
	for _, c := range got {
		if c.BookID != "b1" {
			t.Fatalf("result leaked from book %q", c.BookID)
		}
	}

	limited, err := s.MatchEmbeddings(ctx, []float32{1, 0}, "b1", -1, 3)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("len(limited) = %d, want 3", len(limited))
	}
}

func TestMemoryStoreRejectsWrongDimension(t *testing.T) {
	s := NewMemoryStore(3)
	err := s.InsertChunk(context.Background(), domain.Chunk{BookID: "b", Embedding: []float32{1, 2}})
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestMemoryStoreInsertOverwritesSameIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	for i := 0; i < 2; i++ {
		if err := s.InsertChunk(ctx, domain.Chunk{BookID: "b", ChunkIndex: 0, Content: "v", Embedding: []float32{1}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, _ := s.CountChunks(ctx, "b")
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if err := s.PurgeChunks(ctx, "b"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n, _ := s.CountChunks(ctx, "b"); n != 0 {
		t.Fatalf("count after purge = %d, want 0", n)
	}
}

func TestMemoryStoreBooks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	if _, err := s.GetBook(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetStatus(ctx, "missing", domain.StatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.SaveBook(ctx, domain.Book{ID: "b1", Status: domain.StatusPending, CreatedBy: "t1"})
	_ = s.SaveBook(ctx, domain.Book{ID: "b2", Status: domain.StatusCompleted, CreatedBy: "t2"})
	if err := s.SetStatus(ctx, "b1", domain.StatusCompleted, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetChunkCount(ctx, "b1", 7); err != nil {
		t.Fatalf("set chunk count: %v", err)
	}
	books, _ := s.ListBooks(ctx, BookFilter{Status: domain.StatusCompleted})
	if len(books) != 2 || books[0].ID != "b1" || books[0].ChunkCount != 7 {
		t.Fatalf("unexpected books: %+v", books)
	}
	own, _ := s.ListBooks(ctx, BookFilter{CreatedBy: "t2"})
	if len(own) != 1 || own[0].ID != "b2" {
		t.Fatalf("unexpected owner filter result: %+v", own)
	}
}

func TestMemoryStoreSessionsAndMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.CreateSession(ctx, domain.ChatSession{ID: "s1", UserID: "u", BookID: "b", CreatedAt: base, UpdatedAt: base})
	_ = s.CreateSession(ctx, domain.ChatSession{ID: "s2", UserID: "u", BookID: "b", CreatedAt: base, UpdatedAt: base.Add(time.Minute)})

	if err := s.AppendMessage(ctx, domain.ChatMessage{SessionID: "nope", Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	same := base.Add(time.Hour)
	for _, content := range []string{"q1", "a1", "q2"} {
		if err := s.AppendMessage(ctx, domain.ChatMessage{SessionID: "s1", Content: content, CreatedAt: same}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "q1" || msgs[2].Content != "q2" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if msgs[0].ID == "" {
		t.Fatalf("expected generated message id")
	}

	sessions, _ := s.ListSessions(ctx, "u", 0)
	if len(sessions) != 2 || sessions[0].ID != "s1" {
		t.Fatalf("expected s1 first after activity, got %+v", sessions)
	}
}
