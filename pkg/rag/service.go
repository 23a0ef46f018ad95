package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"booktutor/pkg/domain"
	"booktutor/pkg/ingest"
	"booktutor/pkg/store"
)

const snippetMaxRunes = 200

// Config holds the retrieval and generation knobs of a Service.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	Temperature         float64
	MaxTokens           int
	FollowUps           bool
	// AskTimeout bounds one Ask call; zero means no extra deadline.
	AskTimeout time.Duration
}

// DefaultConfig returns the stock settings: top 5 above 0.5 similarity.
func DefaultConfig() Config {
	return Config{
		TopK:                DefaultTopK,
		SimilarityThreshold: DefaultSimilarityThreshold,
		Temperature:         DefaultTemperature,
		MaxTokens:           DefaultMaxTokens,
		FollowUps:           true,
		AskTimeout:          60 * time.Second,
	}
}

// Model is what the service needs from an ai.Provider.
type Model interface {
	Embedder
	ChatModel
}

// AskRequest is one student question.
type AskRequest struct {
	Question  string
	BookID    string
	SessionID string
	UserID    string
}

// Service is the facade used by the HTTP server and the CLI.
type Service struct {
	books     store.BookStore
	pipeline  *ingest.Pipeline
	retriever *Retriever
	generator *Generator
	sessions  *SessionManager
	cfg       Config
	logger    *slog.Logger
}

// NewService wires the question-answering flow over st. pipeline may be nil
// for deployments that only answer questions.
func NewService(st store.Store, model Model, pipeline *ingest.Pipeline, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Service{
		books:     st,
		pipeline:  pipeline,
		retriever: NewRetriever(model, st),
		generator: NewGenerator(model, cfg.Temperature, cfg.MaxTokens),
		sessions:  NewSessionManager(st, logger),
		cfg:       cfg,
		logger:    logger.With("component", "rag"),
	}
}

// Sessions exposes session history for read endpoints.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// ProcessUpload ingests an uploaded file into bookID.
func (s *Service) ProcessUpload(ctx context.Context, src ingest.Source, bookID string, meta domain.BookMetadata) (domain.ProcessingResult, error) {
	if s.pipeline == nil {
		err := errors.New("ingestion is not configured")
		return domain.ProcessingResult{BookID: bookID, Error: err.Error()}, err
	}
	return s.pipeline.Ingest(ctx, src, bookID, meta)
}

// Ask answers a question about a completed book and records the exchange
// in the student's session. Retrieval and generation failures come back as
// *GenerationError.
func (s *Service) Ask(ctx context.Context, req AskRequest) (domain.Answer, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return domain.Answer{}, ErrEmptyQuestion
	}
	if s.cfg.AskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AskTimeout)
		defer cancel()
	}
	logger := s.logger.With("book_id", req.BookID, "user_id", req.UserID)

	book, err := s.books.GetBook(ctx, req.BookID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Answer{}, fmt.Errorf("%w: %w", ErrBookNotReady, err)
	}
	if err != nil {
		return domain.Answer{}, fmt.Errorf("load book: %w", err)
	}
	if book.Status != domain.StatusCompleted {
		return domain.Answer{}, fmt.Errorf("%w: status %s", ErrBookNotReady, book.Status)
	}

	// new sessions are only created once an answer exists, so failed
	// questions leave nothing behind in the student's session list
	sessionID, err := s.sessions.ResolveSession(ctx, req.UserID, book.ID, req.SessionID)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionForbidden) {
		return domain.Answer{}, err
	}
	if err != nil {
		logger.Error("ask_session_load_failed", "session_id", req.SessionID, "err", err)
		return domain.Answer{}, &GenerationError{Stage: "session", Cause: err}
	}

	chunks, err := s.retriever.Retrieve(ctx, question, book.ID, s.cfg.TopK, s.cfg.SimilarityThreshold)
	if err != nil {
		logger.Error("ask_retrieve_failed", "session_id", sessionID, "err", err)
		return domain.Answer{}, &GenerationError{Stage: "retrieve", Cause: err}
	}
	gen, err := s.generator.Generate(ctx, question, chunks)
	if err != nil {
		logger.Error("ask_generate_failed", "session_id", sessionID, "chunks", len(chunks), "err", err)
		return domain.Answer{}, err
	}

	if sessionID == "" {
		sessionID, err = s.sessions.CreateSession(ctx, req.UserID, book.ID, question)
		if err != nil {
			// the answer still goes out, just without history
			logger.Error("ask_session_create_failed", "err", err)
			sessionID = ""
		}
	}
	if sessionID != "" {
		s.sessions.AppendMessage(ctx, sessionID, question, domain.RoleUser, nil)
		confidence := gen.Confidence
		s.sessions.AppendMessage(ctx, sessionID, gen.Answer, domain.RoleAssistant, &domain.MessageMetadata{
			Sources:    chunkContents(chunks),
			Confidence: &confidence,
		})
	}

	followUps := []string{}
	if s.cfg.FollowUps && len(chunks) > 0 {
		followUps = s.SuggestFollowUps(ctx, question, gen.Answer)
	}

	logger.Info("ask_answered", "session_id", sessionID, "chunks", len(chunks), "confidence", gen.Confidence)
	return domain.Answer{
		Answer:     gen.Answer,
		Sources:    buildSources(chunks),
		SessionID:  sessionID,
		Confidence: gen.Confidence,
		FollowUps:  followUps,
	}, nil
}

// SuggestFollowUps never fails; problems are logged and yield no suggestions.
func (s *Service) SuggestFollowUps(ctx context.Context, question, answer string) []string {
	out, err := s.generator.SuggestFollowUps(ctx, question, answer)
	if err != nil {
		s.logger.Warn("follow_ups_failed", "err", err)
		return []string{}
	}
	return out
}

func buildSources(chunks []domain.ScoredChunk) []domain.Source {
	sources := make([]domain.Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, domain.Source{
			Content:    snippet(c.Content),
			PageNumber: c.PageNumber,
			Section:    c.Metadata.Section,
			Similarity: c.Similarity,
		})
	}
	return sources
}

func chunkContents(chunks []domain.ScoredChunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Content)
	}
	return out
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) > snippetMaxRunes {
		return string(runes[:snippetMaxRunes]) + "..."
	}
	return content
}
