package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"booktutor/pkg/domain"
)

const migrateLockID int64 = 80917321

const (
	defaultEmbeddingDim      = 3072
	canonicalEmbeddingDimEnv = "BOOKTUTOR_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&BookModel{}, &ChunkModel{}, &ChatSessionModel{}, &ChatMessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = c.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_book_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chat_message_models'
					AND constraint_name = 'chat_message_models_session_id_fkey'
				) THEN
					ALTER TABLE chat_message_models
					ADD CONSTRAINT chat_message_models_session_id_fkey
					FOREIGN KEY (session_id) REFERENCES chat_session_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr("ping", err)
	}
	return wrapErr("ping", sqlDB.PingContext(ctx))
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "description", "category", "status", "error_message",
			"original_filename", "storage_key", "size_bytes", "chunk_count", "updated_at",
		}),
	}).Create(&model).Error
	return wrapErr("save book", err)
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, ErrNotFound
		}
		return domain.Book{}, wrapErr("get book", err)
	}
	return bookFromModel(model), nil
}

// ListBooks returns books ordered by created_at.
func (s *GormStore) ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error) {
	tx := s.db.WithContext(ctx).Order("created_at ASC")
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.CreatedBy != "" {
		tx = tx.Where("created_by = ?", filter.CreatedBy)
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, wrapErr("list books", err)
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SetStatus updates book status/error.
func (s *GormStore) SetStatus(ctx context.Context, id string, status domain.BookStatus, errMsg string) error {
	return s.updateBook(ctx, "set status", id, map[string]any{
		"status":        string(status),
		"error_message": errMsg,
	})
}

// SetChunkCount records how many chunks were stored for a book.
func (s *GormStore) SetChunkCount(ctx context.Context, id string, count int) error {
	return s.updateBook(ctx, "set chunk count", id, map[string]any{"chunk_count": count})
}

func (s *GormStore) updateBook(ctx context.Context, op, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrapErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeChunks removes every chunk of a book.
func (s *GormStore) PurgeChunks(ctx context.Context, bookID string) error {
	return wrapErr("purge chunks", s.db.WithContext(ctx).Delete(&ChunkModel{}, "book_id = ?", bookID).Error)
}

// InsertChunk writes one chunk with its vector. A row with the same
// (book_id, chunk_index) is overwritten.
func (s *GormStore) InsertChunk(ctx context.Context, c domain.Chunk) error {
	if err := s.validateEmbeddingDim(c.Embedding); err != nil {
		return err
	}
	model := chunkToModel(c)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "chunk_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"id", "page_number", "content", "metadata", "embedding", "created_at"}),
	}).Create(&model).Error
	return wrapErr("insert chunk", err)
}

// MatchEmbeddings ranks chunks of a book by cosine similarity.
func (s *GormStore) MatchEmbeddings(ctx context.Context, embedding []float32, bookID string, threshold float64, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []scoredChunkRow
	err := s.db.WithContext(ctx).Model(&ChunkModel{}).
		Select("id, book_id, chunk_index, page_number, content, metadata, created_at, 1 - (embedding <=> ?) AS similarity", vec).
		Where("book_id = ? AND embedding IS NOT NULL", bookID).
		Where("1 - (embedding <=> ?) >= ?", vec, threshold).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr("match embeddings", err)
	}
	out := make([]domain.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ScoredChunk{Chunk: chunkFromModel(row.ChunkModel), Similarity: row.Similarity})
	}
	return out, nil
}

// CountChunks returns the number of stored chunks for a book.
func (s *GormStore) CountChunks(ctx context.Context, bookID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("book_id = ?", bookID).Count(&count).Error; err != nil {
		return 0, wrapErr("count chunks", err)
	}
	return int(count), nil
}

// CreateSession creates a new chat session.
func (s *GormStore) CreateSession(ctx context.Context, session domain.ChatSession) error {
	model := sessionToModel(session)
	return wrapErr("create session", s.db.WithContext(ctx).Create(&model).Error)
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.ChatSession, error) {
	var model ChatSessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatSession{}, ErrNotFound
		}
		return domain.ChatSession{}, wrapErr("get session", err)
	}
	return sessionFromModel(model), nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *GormStore) ListSessions(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ChatSessionModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, wrapErr("list sessions", err)
	}
	items := make([]domain.ChatSession, 0, len(models))
	for _, model := range models {
		items = append(items, sessionFromModel(model))
	}
	return items, nil
}

// AppendMessage records a message and bumps the session's activity time.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChatSessionModel{}).Where("id = ?", msg.SessionID).Update("updated_at", msg.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&model).Error
	})
	return wrapErr("append message", err)
}

// ListMessages returns messages for a session in chronological order.
// Message IDs are time-ordered, so they break created_at ties.
func (s *GormStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []ChatMessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, wrapErr("list messages", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	return checkDim(embedding, s.embeddingDim)
}

func checkDim(embedding []float32, want int) error {
	if len(embedding) == 0 {
		return &StorageError{Op: "validate embedding", Err: errors.New("embedding vector is empty")}
	}
	if want > 0 && len(embedding) != want {
		return &StorageError{Op: "validate embedding", Err: fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), want)}
	}
	return nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:               b.ID,
		Title:            b.Title,
		Author:           b.Author,
		Description:      b.Description,
		Category:         b.Category,
		Status:           string(b.Status),
		ErrorMessage:     b.ErrorMessage,
		CreatedBy:        b.CreatedBy,
		OriginalFilename: b.OriginalFilename,
		StorageKey:       b.StorageKey,
		SizeBytes:        b.SizeBytes,
		ChunkCount:       b.ChunkCount,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:               m.ID,
		Title:            m.Title,
		Author:           m.Author,
		Description:      m.Description,
		Category:         m.Category,
		Status:           domain.BookStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		CreatedBy:        m.CreatedBy,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		SizeBytes:        m.SizeBytes,
		ChunkCount:       m.ChunkCount,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func sessionToModel(c domain.ChatSession) ChatSessionModel {
	return ChatSessionModel{
		ID:        c.ID,
		UserID:    c.UserID,
		BookID:    c.BookID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func sessionFromModel(m ChatSessionModel) domain.ChatSession {
	return domain.ChatSession{
		ID:        m.ID,
		UserID:    m.UserID,
		BookID:    m.BookID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	var meta []byte
	if msg.Metadata != nil {
		meta, _ = json.Marshal(msg.Metadata)
	}
	return ChatMessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Metadata:  meta,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	var meta *domain.MessageMetadata
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		meta = &domain.MessageMetadata{}
		if err := json.Unmarshal(m.Metadata, meta); err != nil {
			meta = nil
		}
	}
	return domain.ChatMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      domain.MessageRole(m.Role),
		Content:   m.Content,
		Metadata:  meta,
		CreatedAt: m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	model := ChunkModel{
		ID:         chunk.ID,
		BookID:     chunk.BookID,
		ChunkIndex: chunk.ChunkIndex,
		PageNumber: chunk.PageNumber,
		Content:    chunk.Content,
		Metadata:   meta,
		CreatedAt:  chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta domain.BookMetadata
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	chunk := domain.Chunk{
		ID:         model.ID,
		BookID:     model.BookID,
		Content:    model.Content,
		PageNumber: model.PageNumber,
		ChunkIndex: model.ChunkIndex,
		Metadata:   meta,
		CreatedAt:  model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}
