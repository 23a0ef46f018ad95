package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"booktutor/pkg/domain"
	"booktutor/pkg/extract"
	"booktutor/pkg/queue"
	"booktutor/pkg/storage"
	"booktutor/pkg/store"
)

// ObjectReader fetches uploaded files by storage key.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// JobHandler runs queued ingest jobs through a Pipeline.
type JobHandler struct {
	books    store.BookStore
	objects  ObjectReader
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewJobHandler(books store.BookStore, objects ObjectReader, pipeline *Pipeline, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{books: books, objects: objects, pipeline: pipeline, logger: logger.With("component", "ingest_job")}
}

// Handle is a queue.Handler. Failures that another attempt cannot fix are
// marked permanent.
func (h *JobHandler) Handle(ctx context.Context, job queue.Job) error {
	logger := h.logger.With("job_id", job.ID, "book_id", job.BookID, "attempt", job.Attempts)
	book, err := h.books.GetBook(ctx, job.BookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("book %s: %w", job.BookID, err))
		}
		return fmt.Errorf("load book: %w", err)
	}
	rc, err := h.objects.Get(ctx, job.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			msg := "uploaded file is missing"
			if serr := h.books.SetStatus(ctx, book.ID, domain.StatusFailed, msg); serr != nil {
				logger.Error("ingest_mark_failed_error", "err", serr)
			}
			return queue.Permanent(fmt.Errorf("%s: %w", msg, err))
		}
		return fmt.Errorf("fetch object: %w", err)
	}
	defer rc.Close()

	filename := job.Filename
	if filename == "" {
		filename = book.OriginalFilename
	}
	res, err := h.pipeline.Ingest(ctx, Source{Filename: filename, Reader: rc}, book.ID, domain.BookMetadata{
		Title:  book.Title,
		Author: book.Author,
	})
	if err != nil {
		var exErr *extract.ExtractionError
		if errors.Is(err, ErrIngestInProgress) || errors.As(err, &exErr) {
			return queue.Permanent(err)
		}
		return err
	}
	logger.Info("ingest_job_done", "chunks_processed", res.ChunksProcessed, "chunks_failed", res.ChunksFailed)
	return nil
}
