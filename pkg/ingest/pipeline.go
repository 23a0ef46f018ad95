// Package ingest runs uploaded books through extraction, chunking,
// embedding and storage while tracking the book's processing status.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"booktutor/pkg/ai"
	"booktutor/pkg/chunker"
	"booktutor/pkg/domain"
	"booktutor/pkg/extract"
	"booktutor/pkg/lock"
	"booktutor/pkg/store"
)

// ErrIngestInProgress is returned when the book is already being ingested.
var ErrIngestInProgress = errors.New("ingestion already in progress for this book")

const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 4
	DefaultBatchDelay  = time.Second
	DefaultLockTTL     = 30 * time.Minute

	finalWriteTimeout  = 10 * time.Second
	errAllChunksFailed = "all chunks failed to embed"
)

// Embedder is the part of ai.Provider the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config tunes the pipeline. Zero values take the defaults.
type Config struct {
	Chunking    chunker.Constraints
	BatchSize   int
	Concurrency int
	// BatchDelay is slept between batches; a negative value disables it.
	BatchDelay time.Duration
	LockTTL    time.Duration
	// Extractor overrides extension-based selection when set.
	Extractor func(filename string) extract.Extractor
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.Extractor == nil {
		c.Extractor = extract.ForFilename
	}
	return c
}

// Source is an uploaded file.
type Source struct {
	Filename string
	Reader   io.Reader
}

// Pipeline ingests books. It is safe for concurrent use across books;
// a second run for the same book is rejected with ErrIngestInProgress.
type Pipeline struct {
	books    store.BookStore
	chunks   store.ChunkStore
	embedder Embedder
	locker   lock.Locker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a pipeline. A nil locker falls back to an in-process one.
func New(books store.BookStore, chunks store.ChunkStore, embedder Embedder, locker lock.Locker, cfg Config, logger *slog.Logger) *Pipeline {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		books:    books,
		chunks:   chunks,
		embedder: embedder,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
	}
}

// ProcessFile ingests a file from local disk.
func (p *Pipeline) ProcessFile(ctx context.Context, path, bookID string, meta domain.BookMetadata) (domain.ProcessingResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.ProcessingResult{BookID: bookID, Error: err.Error()}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return p.Ingest(ctx, Source{Filename: filepath.Base(path), Reader: f}, bookID, meta)
}

// Ingest moves the book through processing to completed or failed.
// Chunks that fail to embed or store are skipped and counted; extraction
// failures abort the run. A returned error always comes with a result
// whose Success is false.
func (p *Pipeline) Ingest(ctx context.Context, src Source, bookID string, meta domain.BookMetadata) (domain.ProcessingResult, error) {
	result := domain.ProcessingResult{BookID: bookID}
	logger := p.logger.With("book_id", bookID)

	release, err := p.locker.TryLock(ctx, "ingest:"+bookID, p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			err = ErrIngestInProgress
		}
		result.Error = err.Error()
		return result, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
		if err := release(rctx); err != nil {
			logger.Warn("ingest_lock_release_failed", "err", err)
		}
	}()

	if err := p.books.SetStatus(ctx, bookID, domain.StatusProcessing, ""); err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("mark processing: %w", err)
	}
	logger.Info("ingest_started", "filename", src.Filename)
	start := p.now()

	if err := p.chunks.PurgeChunks(ctx, bookID); err != nil {
		return p.fail(ctx, logger, result, fmt.Errorf("purge chunks: %w", err))
	}

	pages, err := p.cfg.Extractor(src.Filename).Extract(ctx, src.Reader)
	if err != nil {
		var exErr *extract.ExtractionError
		if !errors.As(err, &exErr) && ctx.Err() == nil {
			err = &extract.ExtractionError{Format: extract.Format(src.Filename), Err: err}
		}
		return p.fail(ctx, logger, result, err)
	}

	pieces := chunker.ChunkPages(pages, p.cfg.Chunking)
	logger.Info("ingest_chunked", "pages", len(pages), "chunks", len(pieces))

	processed, failed, err := p.embedAndStore(ctx, logger, bookID, meta, pieces)
	result.ChunksProcessed = processed
	result.ChunksFailed = failed
	if err != nil {
		return p.fail(ctx, logger, result, err)
	}
	if len(pieces) > 0 && processed == 0 {
		return p.fail(ctx, logger, result, errors.New(errAllChunksFailed))
	}

	if err := p.books.SetChunkCount(ctx, bookID, processed); err != nil {
		return p.fail(ctx, logger, result, fmt.Errorf("record chunk count: %w", err))
	}
	if err := p.books.SetStatus(ctx, bookID, domain.StatusCompleted, ""); err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("mark completed: %w", err)
	}
	result.Success = true
	logger.Info("ingest_completed",
		"chunks_processed", processed,
		"chunks_failed", failed,
		"duration_ms", p.now().Sub(start).Milliseconds(),
	)
	return result, nil
}

// embedAndStore processes batches sequentially and chunks within a batch
// in parallel. Only context cancellation stops it early.
func (p *Pipeline) embedAndStore(ctx context.Context, logger *slog.Logger, bookID string, meta domain.BookMetadata, pieces []chunker.Piece) (int, int, error) {
	var (
		mu        sync.Mutex
		processed int
		failed    int
	)
	for start := 0; start < len(pieces); start += p.cfg.BatchSize {
		if start > 0 && p.cfg.BatchDelay > 0 {
			if err := sleep(ctx, p.cfg.BatchDelay); err != nil {
				return processed, failed, err
			}
		}
		end := min(start+p.cfg.BatchSize, len(pieces))

		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for _, piece := range pieces[start:end] {
			g.Go(func() error {
				err := p.storePiece(ctx, bookID, meta, piece)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					logger.Warn("ingest_chunk_skipped", "chunk_index", piece.ChunkIndex, "page", piece.PageNumber, "err", err)
					return nil
				}
				processed++
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return processed, failed, err
		}
		logger.Debug("ingest_batch_done", "batch_start", start, "batch_end", end, "processed", processed, "failed", failed)
	}
	return processed, failed, nil
}

func (p *Pipeline) storePiece(ctx context.Context, bookID string, meta domain.BookMetadata, piece chunker.Piece) error {
	vec, err := p.embedder.Embed(ctx, piece.Content)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := ai.ValidateDimension(vec, p.embedder.Dimensions()); err != nil {
		return err
	}
	chunkMeta := meta
	chunkMeta.Section = piece.Section
	return p.chunks.InsertChunk(ctx, domain.Chunk{
		ID:         uuid.NewString(),
		BookID:     bookID,
		Content:    piece.Content,
		Embedding:  vec,
		PageNumber: piece.PageNumber,
		ChunkIndex: piece.ChunkIndex,
		Metadata:   chunkMeta,
		CreatedAt:  p.now().UTC(),
	})
}

// fail marks the book failed. The status write survives cancellation of ctx.
func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, result domain.ProcessingResult, cause error) (domain.ProcessingResult, error) {
	result.Success = false
	result.Error = cause.Error()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := p.books.SetStatus(wctx, result.BookID, domain.StatusFailed, cause.Error()); err != nil {
		logger.Error("ingest_mark_failed_error", "err", err)
	}
	logger.Warn("ingest_failed", "chunks_processed", result.ChunksProcessed, "chunks_failed", result.ChunksFailed, "err", cause)
	return result, cause
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
