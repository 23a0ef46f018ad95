package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"booktutor/internal/util"
	"booktutor/pkg/domain"
	"booktutor/pkg/queue"
	"booktutor/pkg/rag"
	"booktutor/pkg/storage"
	"booktutor/pkg/store"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrBookNotFound        = errors.New("book not found")
	ErrBookBusy            = errors.New("book is being processed")
	ErrJobNotFound         = errors.New("job not found")
	ErrFileRequired        = errors.New("filename required")
	ErrUnsupportedFile     = errors.New("unsupported file type")
	ErrDownloadUnsupported = errors.New("file download is not available")
)

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".epub": true,
	".txt":  true,
	".md":   true,
}

// JobQueue schedules ingest jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds the dependencies of the core application.
type Config struct {
	Store         store.Store
	Objects       storage.ObjectStore
	Queue         JobQueue
	RAG           *rag.Service
	PresignExpiry time.Duration
	Logger        *slog.Logger
}

// App implements the tutor API on top of the stores, the ingest queue and
// the question-answering service.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	queue         JobQueue
	rag           *rag.Service
	presignExpiry time.Duration
	logger        *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil || cfg.Objects == nil || cfg.Queue == nil || cfg.RAG == nil {
		return nil, errors.New("app: store, objects, queue and rag are required")
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		queue:         cfg.Queue,
		rag:           cfg.RAG,
		presignExpiry: expiry,
		logger:        logger.With("component", "tutor_app"),
	}, nil
}

// Upload describes a new book file.
type Upload struct {
	Filename    string
	Title       string
	Author      string
	Description string
	Category    string
	Body        io.Reader
	Size        int64
}

// UploadBook stores the file, records a pending book and enqueues its ingest.
func (a *App) UploadBook(ctx context.Context, caller domain.Identity, up Upload) (domain.Book, queue.Job, error) {
	if !caller.Role.CanManageBooks() {
		return domain.Book{}, queue.Job{}, ErrForbidden
	}
	filename := filepath.Base(strings.TrimSpace(up.Filename))
	if filename == "" || filename == "." {
		return domain.Book{}, queue.Job{}, ErrFileRequired
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return domain.Book{}, queue.Job{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, ext)
	}

	id := util.NewID()
	now := time.Now().UTC()
	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = titleFromName(filename)
	}
	book := domain.Book{
		ID:               id,
		Title:            title,
		Author:           strings.TrimSpace(up.Author),
		Description:      strings.TrimSpace(up.Description),
		Category:         strings.TrimSpace(up.Category),
		Status:           domain.StatusPending,
		CreatedBy:        caller.UserID,
		OriginalFilename: filename,
		StorageKey:       storage.ObjectKey(id, filename),
		SizeBytes:        up.Size,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, book.StorageKey, up.Body, up.Size, contentType); err != nil {
		return domain.Book{}, queue.Job{}, fmt.Errorf("save file: %w", err)
	}
	if err := a.store.SaveBook(ctx, book); err != nil {
		if derr := a.objects.Delete(ctx, book.StorageKey); derr != nil {
			a.logger.ErrorContext(ctx, "upload_cleanup_failed", "book_id", book.ID, "storage_key", book.StorageKey, "err", derr)
		}
		return domain.Book{}, queue.Job{}, fmt.Errorf("save book: %w", err)
	}
	job, err := a.enqueue(ctx, book)
	if err != nil {
		return domain.Book{}, queue.Job{}, err
	}
	a.logger.InfoContext(ctx, "book_uploaded", "book_id", book.ID, "job_id", job.ID, "size_bytes", book.SizeBytes)
	return book, job, nil
}

func (a *App) enqueue(ctx context.Context, book domain.Book) (queue.Job, error) {
	job, err := a.queue.Enqueue(ctx, queue.Request{
		BookID:     book.ID,
		StorageKey: book.StorageKey,
		Filename:   book.OriginalFilename,
	})
	if err != nil {
		if serr := a.store.SetStatus(ctx, book.ID, domain.StatusFailed, "could not schedule processing"); serr != nil {
			a.logger.ErrorContext(ctx, "book_mark_failed_error", "book_id", book.ID, "err", serr)
		}
		return queue.Job{}, fmt.Errorf("enqueue ingest: %w", err)
	}
	return job, nil
}

// ListBooks returns completed books. Teachers and admins may ask for every status.
func (a *App) ListBooks(ctx context.Context, caller domain.Identity, all bool) ([]domain.Book, error) {
	filter := store.BookFilter{Status: domain.StatusCompleted}
	if all && caller.Role.CanManageBooks() {
		filter = store.BookFilter{}
	}
	return a.store.ListBooks(ctx, filter)
}

// GetBook hides unfinished books from students.
func (a *App) GetBook(ctx context.Context, caller domain.Identity, id string) (domain.Book, error) {
	book, err := a.store.GetBook(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Book{}, ErrBookNotFound
	}
	if err != nil {
		return domain.Book{}, err
	}
	if book.Status != domain.StatusCompleted && !caller.Role.CanManageBooks() {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// ReprocessBook enqueues a fresh ingest of the stored file.
func (a *App) ReprocessBook(ctx context.Context, caller domain.Identity, id string) (queue.Job, error) {
	if !caller.Role.CanManageBooks() {
		return queue.Job{}, ErrForbidden
	}
	book, err := a.GetBook(ctx, caller, id)
	if err != nil {
		return queue.Job{}, err
	}
	if book.Status == domain.StatusProcessing {
		return queue.Job{}, ErrBookBusy
	}
	if err := a.store.SetStatus(ctx, book.ID, domain.StatusPending, ""); err != nil {
		return queue.Job{}, fmt.Errorf("reset status: %w", err)
	}
	job, err := a.enqueue(ctx, book)
	if err != nil {
		return queue.Job{}, err
	}
	a.logger.InfoContext(ctx, "book_reprocess_queued", "book_id", book.ID, "job_id", job.ID)
	return job, nil
}

// JobStatus returns an ingest job that belongs to bookID.
func (a *App) JobStatus(ctx context.Context, caller domain.Identity, bookID, jobID string) (queue.Job, error) {
	if !caller.Role.CanManageBooks() {
		return queue.Job{}, ErrForbidden
	}
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, err
	}
	if !ok || job.BookID != bookID {
		return queue.Job{}, ErrJobNotFound
	}
	return job, nil
}

// DownloadURL returns a pre-signed URL and the original filename.
func (a *App) DownloadURL(ctx context.Context, caller domain.Identity, id string) (string, string, error) {
	book, err := a.GetBook(ctx, caller, id)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(book.StorageKey) == "" {
		return "", "", ErrBookNotFound
	}
	url, err := a.objects.PresignGet(ctx, book.StorageKey, a.presignExpiry)
	if errors.Is(err, storage.ErrPresignUnsupported) {
		return "", "", ErrDownloadUnsupported
	}
	if err != nil {
		return "", "", err
	}
	return url, book.OriginalFilename, nil
}

// Ask answers a question for the caller.
func (a *App) Ask(ctx context.Context, caller domain.Identity, question, bookID, sessionID string) (domain.Answer, error) {
	return a.rag.Ask(ctx, rag.AskRequest{
		Question:  question,
		BookID:    bookID,
		SessionID: sessionID,
		UserID:    caller.UserID,
	})
}

// ListSessions returns the caller's sessions, most recent first.
func (a *App) ListSessions(ctx context.Context, caller domain.Identity, limit int) ([]domain.ChatSession, error) {
	return a.rag.Sessions().ListSessions(ctx, caller.UserID, limit)
}

// SessionMessages returns the history of one of the caller's sessions.
func (a *App) SessionMessages(ctx context.Context, caller domain.Identity, sessionID string) ([]domain.ChatMessage, error) {
	sessions := a.rag.Sessions()
	if _, err := sessions.Get(ctx, caller.UserID, sessionID); err != nil {
		return nil, err
	}
	return sessions.History(ctx, sessionID)
}

func titleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" {
		return "หนังสือไม่มีชื่อ"
	}
	return title
}
