package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"booktutor/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and the CLI demo;
// similarity search is a brute-force cosine scan.
type MemoryStore struct {
	mu           sync.RWMutex
	embeddingDim int
	books        map[string]domain.Book
	orders       []string
	chunks       map[string]map[int]domain.Chunk // book ID -> chunk index -> chunk
	sessions     map[string]domain.ChatSession
	messages     map[string][]domain.ChatMessage
}

// NewMemoryStore initializes an empty in-memory store. A positive
// embeddingDim enforces the vector size on insert and search.
func NewMemoryStore(embeddingDim int) *MemoryStore {
	return &MemoryStore{
		embeddingDim: embeddingDim,
		books:        make(map[string]domain.Book),
		chunks:       make(map[string]map[int]domain.Chunk),
		sessions:     make(map[string]domain.ChatSession),
		messages:     make(map[string][]domain.ChatMessage),
	}
}

// SaveBook stores or replaces a book record and tracks insertion order.
func (m *MemoryStore) SaveBook(ctx context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.orders = append(m.orders, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(ctx context.Context, id string) (domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return b, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		b, ok := m.books[id]
		if !ok {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && b.CreatedBy != filter.CreatedBy {
			continue
		}
		res = append(res, b)
	}
	return res, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status domain.BookStatus, errMsg string) error {
	return m.updateBook(id, func(b *domain.Book) {
		b.Status = status
		b.ErrorMessage = errMsg
	})
}

func (m *MemoryStore) SetChunkCount(ctx context.Context, id string, count int) error {
	return m.updateBook(id, func(b *domain.Book) { b.ChunkCount = count })
}

func (m *MemoryStore) updateBook(id string, fn func(*domain.Book)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	fn(&book)
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) PurgeChunks(ctx context.Context, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, bookID)
	return nil
}

// InsertChunk stores a copy of c, replacing any chunk with the same index.
func (m *MemoryStore) InsertChunk(ctx context.Context, c domain.Chunk) error {
	if err := checkDim(c.Embedding, m.embeddingDim); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Embedding = append([]float32(nil), c.Embedding...)
	m.mu.Lock()
	defer m.mu.Unlock()
	byIndex, ok := m.chunks[c.BookID]
	if !ok {
		byIndex = make(map[int]domain.Chunk)
		m.chunks[c.BookID] = byIndex
	}
	byIndex[c.ChunkIndex] = c
	return nil
}

func (m *MemoryStore) MatchEmbeddings(ctx context.Context, vec []float32, bookID string, threshold float64, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := checkDim(vec, m.embeddingDim); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ScoredChunk
	for _, c := range m.chunks[bookID] {
		sim := cosine(vec, c.Embedding)
		if sim < threshold {
			continue
		}
		out = append(out, domain.ScoredChunk{Chunk: c, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context, bookID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[bookID]), nil
}

// ChunkIndexes lists the stored chunk indexes of a book in ascending order.
func (m *MemoryStore) ChunkIndexes(bookID string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := make([]int, 0, len(m.chunks[bookID]))
	for i := range m.chunks[bookID] {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (m *MemoryStore) CreateSession(ctx context.Context, s domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ChatSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ChatSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage keeps insertion order, which is also chronological order.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	s.UpdatedAt = msg.CreatedAt
	m.sessions[msg.SessionID] = s
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
