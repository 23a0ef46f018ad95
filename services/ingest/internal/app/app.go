package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"booktutor/pkg/domain"
	"booktutor/pkg/queue"
	"booktutor/pkg/store"
)

var (
	ErrBookNotFound = errors.New("book not found")
	ErrBookBusy     = errors.New("book is being processed")
	ErrBookRequired = errors.New("bookId is required")
)

// JobQueue is the stream the worker consumes.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler)
}

// Config holds runtime dependencies for the ingest worker.
type Config struct {
	Books       store.BookStore
	Queue       JobQueue
	Handler     queue.Handler
	Concurrency int
	Logger      *slog.Logger
}

// App consumes ingest jobs and exposes their status.
type App struct {
	books       store.BookStore
	queue       JobQueue
	handler     queue.Handler
	concurrency int
	logger      *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Books == nil || cfg.Queue == nil || cfg.Handler == nil {
		return nil, errors.New("ingest app: books, queue and handler are required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		books:       cfg.Books,
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		concurrency: concurrency,
		logger:      logger.With("component", "ingest_worker"),
	}, nil
}

// Run starts the consumers; they stop when ctx is done.
func (a *App) Run(ctx context.Context) {
	a.logger.Info("ingest_worker_started", "concurrency", a.concurrency)
	a.queue.Start(ctx, a.concurrency, a.handler)
}

// Enqueue schedules an ingest of the book's stored file.
func (a *App) Enqueue(ctx context.Context, bookID string) (queue.Job, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return queue.Job{}, ErrBookRequired
	}
	book, err := a.books.GetBook(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Job{}, ErrBookNotFound
	}
	if err != nil {
		return queue.Job{}, err
	}
	if book.Status == domain.StatusProcessing {
		return queue.Job{}, ErrBookBusy
	}
	job, err := a.queue.Enqueue(ctx, queue.Request{
		BookID:     book.ID,
		StorageKey: book.StorageKey,
		Filename:   book.OriginalFilename,
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue ingest: %w", err)
	}
	return job, nil
}

// GetJob returns job status by id.
func (a *App) GetJob(ctx context.Context, id string) (queue.Job, bool, error) {
	return a.queue.GetJob(ctx, id)
}
