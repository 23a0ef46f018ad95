// Package store persists books, chunk vectors and chat sessions.
package store

import (
	"context"
	"errors"

	"booktutor/pkg/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// BookFilter narrows ListBooks. Zero values match everything.
type BookFilter struct {
	Status    domain.BookStatus
	CreatedBy string
}

// BookStore persists book records and their processing state.
type BookStore interface {
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, error)
	ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error)
	SetStatus(ctx context.Context, id string, status domain.BookStatus, errMsg string) error
	SetChunkCount(ctx context.Context, id string, count int) error
}

// ChunkStore persists chunks with their vectors and runs similarity search.
type ChunkStore interface {
	// PurgeChunks removes every chunk of a book.
	PurgeChunks(ctx context.Context, bookID string) error
	// InsertChunk writes content, vector and metadata in one write.
	InsertChunk(ctx context.Context, c domain.Chunk) error
	// MatchEmbeddings returns up to limit chunks of bookID whose cosine
	// similarity to vec is at least threshold, most similar first.
	MatchEmbeddings(ctx context.Context, vec []float32, bookID string, threshold float64, limit int) ([]domain.ScoredChunk, error)
	CountChunks(ctx context.Context, bookID string) (int, error)
}

// SessionStore persists chat sessions and their append-only message log.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.ChatSession) error
	GetSession(ctx context.Context, id string) (domain.ChatSession, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error)
	// AppendMessage stores msg and bumps the session's UpdatedAt.
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	// ListMessages returns messages oldest first. limit <= 0 means all.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
}

// Store bundles every persistence capability.
type Store interface {
	BookStore
	ChunkStore
	SessionStore
}

// Split serves chunk reads and writes from a dedicated vector index while
// books and sessions stay in the relational store.
type Split struct {
	BookStore
	SessionStore
	ChunkStore
}
